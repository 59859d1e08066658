package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var (
	queueParent string
	queueParams []string
	queueNext   []string
	queueWatch  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue <type>",
	Short: "Create a dataset and queue a processor run for it",
	Long: `Create a dataset of the given processor type and queue its job.

Parameter values are parsed as YAML, so lists and numbers keep their type.
Use --then to queue followup processors once the dataset completes.

Examples:
  dataforge queue fetch-urls --param 'urls=[https://example.com, https://example.org]'
  dataforge queue fetch-urls --param urls=https://example.com --then preset-status-report
  dataforge queue archive-to-ndjson --parent 3f2c... --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().StringVarP(&queueParent, "parent", "p", "", "key of the parent dataset")
	queueCmd.Flags().StringArrayVar(&queueParams, "param", nil, "processor parameter as key=value (repeatable)")
	queueCmd.Flags().StringArrayVar(&queueNext, "then", nil, "followup processor type queued on completion (repeatable)")
	queueCmd.Flags().BoolVarP(&queueWatch, "watch", "w", false, "follow the dataset until it completes")
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	params, err := parseParams(queueParams)
	if err != nil {
		return err
	}
	if err := addFollowups(params, queueNext); err != nil {
		return err
	}

	d, err := queueDataset(ctx, args[0], queueParent, params)
	if err != nil {
		return err
	}
	fmt.Printf("Queued %s: %s\n", d.Type, d.Key)

	if !queueWatch {
		return nil
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return RunDatasetProgress(d.Key)
	}
	return followPlain(ctx, d.Key)
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	params := map[string]any{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

// addFollowups stores the followup types as the dataset's next chain.
func addFollowups(params map[string]any, types []string) error {
	if len(types) == 0 {
		return nil
	}
	next := make([]models.Followup, 0, len(types))
	for _, t := range types {
		if _, _, ok := catalog.Lookup(t); !ok {
			return fmt.Errorf("unknown processor type: %s", t)
		}
		next = append(next, models.Followup{Type: t, Parameters: map[string]any{}})
	}
	params[models.ParamNext] = models.FollowupsParam(next)
	return nil
}

// queueDataset creates a dataset of processorType and enqueues its job.
// With a parent, the dataset is created as the parent's child, and the
// processor must accept the parent's type.
func queueDataset(ctx context.Context, processorType, parentKey string, params map[string]any) (*models.Dataset, error) {
	desc, _, ok := catalog.Lookup(processorType)
	if !ok {
		return nil, fmt.Errorf("unknown processor type: %s", processorType)
	}

	if parentKey != "" {
		parent, err := getDataset(ctx, parentKey)
		if err != nil {
			return nil, err
		}
		if !desc.AcceptsType(parent.Type) {
			return nil, fmt.Errorf("%s cannot run on a %s dataset", processorType, parent.Type)
		}
		chainer := pipeline.NewChainer(st, st, catalog, dataLayout)
		return chainer.QueueChild(ctx, parent, models.Followup{Type: processorType, Parameters: params})
	}

	if len(desc.Accepts) > 0 {
		return nil, fmt.Errorf("%s needs a parent dataset (--parent)", processorType)
	}
	ext := desc.Extension
	if ext == "" {
		ext = "ndjson"
	}
	key := uuid.NewString()
	d := &models.Dataset{
		Key:        key,
		Type:       processorType,
		State:      models.StateQueued,
		StatusText: "Queued",
		Parameters: params,
		ResultFile: key + "." + ext,
		Created:    time.Now().UTC(),
	}
	if err := st.CreateDataset(ctx, d); err != nil {
		return nil, fmt.Errorf("create dataset: %w", err)
	}
	if _, err := st.Enqueue(ctx, processorType, key); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return d, nil
}

// followPlain prints status changes until the dataset settles. Used when
// stdout is not a terminal.
func followPlain(ctx context.Context, key string) error {
	last := ""
	for {
		d, err := getDataset(ctx, key)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("[%s] %3.0f%% %s", d.State, d.Progress*100, d.StatusText)
		if line != last {
			fmt.Println(line)
			last = line
		}
		if settled(d) {
			if d.State == models.StateError {
				return fmt.Errorf("dataset %s failed: %s", key, d.StatusText)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// settled reports whether a dataset reached a state no worker will change.
func settled(d *models.Dataset) bool {
	return d.IsFinished() || d.State == models.StateError
}
