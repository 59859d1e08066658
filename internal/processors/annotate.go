package processors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/tidwall/gjson"
)

// interruptCheckEvery is how many rows are read between interrupt checks.
const interruptCheckEvery = 100

type annotateParams struct {
	Label string `mapstructure:"label"`
}

type statusRow struct {
	ID     string `json:"id"`
	Status int64  `json:"status"`
	Label  string `json:"label"`
}

func annotateStatus(ctx context.Context, run *pipeline.Run) pipeline.Outcome {
	var p annotateParams
	if err := models.DecodeParams(run.Params, &p); err != nil {
		return pipeline.Failed(fmt.Errorf("decode parameters: %w", err))
	}
	if p.Label == "" {
		p.Label = "http-status"
	}

	in, err := os.Open(run.SourcePath())
	if errors.Is(err, os.ErrNotExist) {
		run.Logger.Warn("source result missing, nothing to annotate", "path", run.SourcePath())
		return pipeline.Completed(0)
	}
	if err != nil {
		return pipeline.Failed(err)
	}
	defer in.Close()

	out, err := newRowWriter(run.ResultPath())
	if err != nil {
		return pipeline.Failed(err)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%interruptCheckEvery == 0 {
			if err := run.Interrupted(); err != nil {
				out.Abort()
				return pipeline.Failed(err)
			}
		}

		raw := scanner.Bytes()
		if !gjson.ValidBytes(raw) {
			run.Logger.Warn("skipping malformed row", "line", line)
			continue
		}
		fields := gjson.GetManyBytes(raw, "id", "status")
		if !fields[0].Exists() {
			continue
		}
		id, status := fields[0].String(), fields[1].Int()

		err := run.Annotate(ctx, models.Annotation{
			ItemID: id,
			Label:  p.Label,
			Value:  strconv.FormatInt(status, 10),
			Metadata: map[string]any{
				"line": line,
			},
		})
		if err != nil {
			out.Abort()
			return pipeline.Failed(err)
		}
		if err := out.Write(statusRow{ID: id, Status: status, Label: p.Label}); err != nil {
			out.Abort()
			return pipeline.Failed(err)
		}
	}
	if err := scanner.Err(); err != nil {
		out.Abort()
		return pipeline.Failed(fmt.Errorf("read source rows: %w", err))
	}

	if err := out.Close(); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Completed(out.rows)
}
