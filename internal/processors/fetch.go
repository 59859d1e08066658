package processors

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/raphaelgruber/dataforge/internal/archive"
	"github.com/raphaelgruber/dataforge/internal/models"
	"github.com/raphaelgruber/dataforge/internal/pipeline"
	"github.com/raphaelgruber/dataforge/internal/proxy"
)

type fetchParams struct {
	URLs          []string `mapstructure:"urls"`
	PreserveOrder bool     `mapstructure:"preserve_order"`
	AuthToken     string   `mapstructure:"auth_token"`
}

// fetchMeta is the metadata sidecar record of one fetched body.
type fetchMeta struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BodyName is the bundle entry name of the response to the URL at position.
func BodyName(position int) string {
	return fmt.Sprintf("%05d.body", position)
}

func fetchURLs(ctx context.Context, run *pipeline.Run) pipeline.Outcome {
	var p fetchParams
	if err := models.DecodeParams(run.Params, &p); err != nil {
		return pipeline.Failed(fmt.Errorf("decode parameters: %w", err))
	}
	urls := splitURLs(p.URLs)

	w, err := archive.Create(run.ResultPath())
	if err != nil {
		return pipeline.Failed(err)
	}
	meta := map[string]fetchMeta{}
	if len(urls) == 0 {
		run.Logger.Info("no URLs to fetch")
		if err := w.AddMetadata(meta); err != nil {
			w.Abort()
			return pipeline.Failed(err)
		}
		if err := w.Close(); err != nil {
			return pipeline.Failed(err)
		}
		return pipeline.Completed(0)
	}

	opts := []proxy.Option{proxy.WithPreserveOrder(p.PreserveOrder)}
	if p.AuthToken != "" {
		opts = append(opts, proxy.WithHeader("Authorization", "Bearer "+p.AuthToken))
	}
	client, err := run.ProxyClient(opts...)
	if err != nil {
		w.Abort()
		return pipeline.Failed(err)
	}

	fetched, failed := 0, 0
	for resp, err := range client.Fetch(ctx, urls) {
		if err != nil {
			w.Abort()
			return pipeline.Failed(err)
		}

		name := BodyName(resp.Position)
		m := fetchMeta{URL: resp.URL, Status: resp.Status}
		if resp.Err != nil {
			m.Error = resp.Err.Error()
			failed++
		} else {
			m.ContentType = resp.Header.Get("Content-Type")
			if err := w.Add(name, resp.Body); err != nil {
				w.Abort()
				return pipeline.Failed(err)
			}
			fetched++
		}
		meta[name] = m

		done := fetched + failed
		run.UpdateProgress(ctx, float64(done)/float64(len(urls)))
		if done%50 == 0 {
			run.UpdateStatus(ctx, fmt.Sprintf("Fetched %d of %d URLs", done, len(urls)))
		}
	}

	if err := w.AddMetadata(meta); err != nil {
		w.Abort()
		return pipeline.Failed(err)
	}
	if err := w.Close(); err != nil {
		return pipeline.Failed(err)
	}

	run.Logger.Info("fetch complete", "fetched", fetched, "failed", failed)
	if failed > 0 {
		run.SetClosingStatus(fmt.Sprintf("Fetched %d URLs, %d failed", fetched, failed))
	}
	return pipeline.Completed(fetched)
}

// splitURLs accepts URL lists given one per element or whitespace separated.
func splitURLs(in []string) []string {
	var out []string
	for _, s := range in {
		for _, u := range strings.Fields(s) {
			if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
				out = append(out, u)
			}
		}
	}
	return out
}

// statusOK reports whether an HTTP status counts as a successful fetch.
func statusOK(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
