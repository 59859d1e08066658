package processors

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/raphaelgruber/dataforge/internal/archive"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/tidwall/gjson"
)

const excerptLength = 280

// bodyRow is one row of an archive-to-ndjson result.
type bodyRow struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	OK          bool   `json:"ok"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	Excerpt     string `json:"excerpt"`
}

func archiveToNDJSON(ctx context.Context, run *pipeline.Run) pipeline.Outcome {
	staging, err := run.StagingArea()
	if err != nil {
		return pipeline.Failed(err)
	}
	names, err := archive.Entries(run.SourcePath())
	if err != nil {
		return pipeline.Failed(err)
	}
	total := max(len(names), 1)

	out, err := newRowWriter(run.ResultPath())
	if err != nil {
		return pipeline.Failed(err)
	}

	var meta []byte
	visited := 0
	for entry, err := range archive.Iterate(run.SourcePath(), staging, archive.WithInterrupt(run.Flag())) {
		if err != nil {
			out.Abort()
			return pipeline.Failed(err)
		}
		visited++

		data, err := os.ReadFile(entry.Path)
		if err != nil {
			out.Abort()
			return pipeline.Failed(fmt.Errorf("read %s: %w", entry.Name, err))
		}
		if entry.Name == archive.MetadataEntry {
			meta = data
			continue
		}

		info := gjson.GetBytes(meta, escapePath(entry.Name))
		row := bodyRow{
			ID:          entry.Name,
			URL:         info.Get("url").String(),
			Status:      int(info.Get("status").Int()),
			ContentType: info.Get("content_type").String(),
			Size:        entry.Size,
			Excerpt:     excerpt(data),
		}
		row.OK = statusOK(row.Status)
		if err := out.Write(row); err != nil {
			out.Abort()
			return pipeline.Failed(err)
		}
		run.UpdateProgress(ctx, float64(visited)/float64(total))
	}

	if err := out.Close(); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Completed(out.rows)
}

// escapePath escapes a key for use as a single gjson path component.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func excerpt(data []byte) string {
	if len(data) > excerptLength {
		data = data[:excerptLength]
	}
	for len(data) > 0 && !utf8.Valid(data) {
		data = data[:len(data)-1]
	}
	return strings.TrimSpace(string(data))
}
