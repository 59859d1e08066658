package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/dataforge/internal/models"
)

// DefaultMaxDepth bounds how many unfinished presets a source walk skips.
const DefaultMaxDepth = 32

// Resolution is the result of walking a dataset's ancestry.
type Resolution struct {
	// Source is the dataset the work reads from: the nearest ancestor that is
	// not an unfinished preset. Nil for root datasets and for the first step
	// of a preset that is itself a root.
	Source *models.Dataset
	// InsidePreset is set when an unfinished preset was skipped to reach Source.
	InsidePreset bool
	// Genealogy lists the ancestry from the root down to the dataset itself.
	Genealogy []*models.Dataset
}

// Root returns the top of the genealogy, the dataset annotations are stored on.
func (r Resolution) Root() *models.Dataset {
	if len(r.Genealogy) == 0 {
		return nil
	}
	return r.Genealogy[0]
}

// Keys returns the genealogy as dataset keys.
func (r Resolution) Keys() []string {
	keys := make([]string, len(r.Genealogy))
	for i, d := range r.Genealogy {
		keys[i] = d.Key
	}
	return keys
}

// ResolveGenealogy walks the parent chain of d. Finding the source skips
// unfinished presets; on that part of the walk a missing parent, a cycle, or
// more than maxDepth presets yields an error wrapping ErrUnresolvableSource.
// Above the source the walk only completes the genealogy and stops at the
// first ancestor that no longer exists.
func ResolveGenealogy(ctx context.Context, store DatasetStore, catalog *Catalog, d *models.Dataset, maxDepth int) (Resolution, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	res := Resolution{}
	ancestors := []*models.Dataset{}
	seen := map[string]bool{d.Key: true}

	current := d
	for current.HasParent() {
		if len(ancestors) >= maxDepth {
			return res, fmt.Errorf("%w: more than %d unfinished presets above %s", ErrUnresolvableSource, maxDepth, d.Key)
		}
		parent, err := loadParent(ctx, store, current, seen)
		if err != nil {
			return res, err
		}
		ancestors = append(ancestors, parent)
		current = parent
		if !catalog.IsPreset(parent.Type) || parent.IsFinished() {
			res.Source = parent
			break
		}
		res.InsidePreset = true
	}

	for current.HasParent() {
		parent, err := loadParent(ctx, store, current, seen)
		if errors.Is(err, ErrUnresolvableSource) {
			break
		}
		if err != nil {
			return res, err
		}
		ancestors = append(ancestors, parent)
		current = parent
	}

	res.Genealogy = make([]*models.Dataset, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		res.Genealogy = append(res.Genealogy, ancestors[i])
	}
	res.Genealogy = append(res.Genealogy, d)
	return res, nil
}

func loadParent(ctx context.Context, store DatasetStore, child *models.Dataset, seen map[string]bool) (*models.Dataset, error) {
	key := child.Parent()
	if seen[key] {
		return nil, fmt.Errorf("%w: parent cycle at %s", ErrUnresolvableSource, key)
	}
	seen[key] = true

	parent, err := store.GetDataset(ctx, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: parent %s of %s no longer exists", ErrUnresolvableSource, key, child.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", key, err)
	}
	return parent, nil
}
