// Package processors holds the work functions shipped with dataforge and
// registers them in a catalog.
package processors

import (
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
)

// Built-in processor types.
const (
	TypeFetchURLs       = "fetch-urls"
	TypeArchiveToNDJSON = "archive-to-ndjson"
	TypeAnnotateStatus  = "annotate-status"
	TypeStatusReport    = "preset-status-report"
)

// Descriptors returns the descriptors of the built-in processors.
func Descriptors() []models.ProcessorDescriptor {
	return []models.ProcessorDescriptor{
		{
			Type:        TypeFetchURLs,
			Title:       "Fetch URLs",
			Description: "Requests every URL and bundles the response bodies.",
			Extension:   "zip",
			MaxWorkers:  2,
			Options: map[string]models.ProcessorOption{
				"urls":           {Type: "list", Help: "URLs to fetch"},
				"preserve_order": {Type: "bool", Default: false, Help: "Store responses in request order"},
				"auth_token":     {Type: "string", Help: "Bearer token sent with every request", Sensitive: true},
			},
			Status: &models.StatusMessages{Empty: "No URL could be fetched."},
		},
		{
			Type:        TypeArchiveToNDJSON,
			Title:       "Bundle to rows",
			Description: "Turns every entry of a fetched bundle into one row.",
			Extension:   "ndjson",
			Accepts:     []string{TypeFetchURLs},
		},
		{
			Type:        TypeAnnotateStatus,
			Title:       "Annotate HTTP status",
			Description: "Annotates every row of the root dataset with its HTTP status.",
			Extension:   "ndjson",
			Accepts:     []string{TypeArchiveToNDJSON},
			Options: map[string]models.ProcessorOption{
				"label": {Type: "string", Default: "http-status", Help: "Annotation label"},
			},
		},
		{
			Type:        TypeStatusReport,
			Title:       "Status report",
			Description: "Converts a bundle to rows and annotates their status.",
			Extension:   "ndjson",
			Accepts:     []string{TypeFetchURLs},
			IsPreset:    true,
			Steps: []models.Followup{
				{Type: TypeArchiveToNDJSON, Parameters: map[string]any{}},
				{Type: TypeAnnotateStatus, Parameters: map[string]any{}},
			},
		},
	}
}

var workFunctions = map[string]pipeline.Processor{
	TypeFetchURLs:       pipeline.ProcessorFunc(fetchURLs),
	TypeArchiveToNDJSON: pipeline.ProcessorFunc(archiveToNDJSON),
	TypeAnnotateStatus:  pipeline.ProcessorFunc(annotateStatus),
}

// Register adds the built-in processors to catalog, then applies extra
// descriptors on top. An extra descriptor for a built-in type replaces its
// metadata; extra presets run through the generic preset runner. Other
// unknown types are described but not runnable.
func Register(catalog *pipeline.Catalog, extra []models.ProcessorDescriptor) {
	for _, desc := range append(Descriptors(), extra...) {
		if proc, ok := workFunctions[desc.Type]; ok {
			catalog.Register(desc, proc)
			continue
		}
		if desc.Preset() {
			catalog.Register(desc, pipeline.ProcessorFunc(runPreset))
			continue
		}
		catalog.Describe(desc)
	}
}

// BuiltinCatalog returns a catalog with the built-in processors and extra
// descriptors registered.
func BuiltinCatalog(extra []models.ProcessorDescriptor) *pipeline.Catalog {
	c := pipeline.NewCatalog()
	Register(c, extra)
	return c
}
