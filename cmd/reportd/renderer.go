package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentuity/go-reportcache/logger"
	"github.com/agentuity/go-reportcache/report"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// placeholderRenderer writes a small text artifact describing the request.
// It stands in for the real report engine, which lives outside this module.
type placeholderRenderer struct {
	root string
}

func newPlaceholderRenderer(root string) *placeholderRenderer {
	return &placeholderRenderer{root: root}
}

func (r *placeholderRenderer) Render(ctx context.Context, owner report.Owner, req report.Request) (report.Artifact, error) {
	started := time.Now()
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return report.Artifact{}, errors.Wrap(err, "create artifact root")
	}
	ext := "pdf"
	if req.Format.Normalize() == report.FormatExcel {
		ext = "xlsx"
	}
	name := fmt.Sprintf("%s-%s.%s", strings.ToLower(string(req.Kind.Normalize())), uuid.NewString(), ext)
	body := fmt.Sprintf("report %s for %s\nformat %s\ntemplate %s\ngenerated %s\n",
		req.Kind, owner, req.Format, req.TemplateRef, started.UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(r.root, name), []byte(body), 0o644); err != nil {
		return report.Artifact{}, errors.Wrap(err, "write artifact")
	}
	return report.Artifact{Location: name, RecordCount: 1, Duration: time.Since(started)}, nil
}

// logDeliverer logs where a scheduled report would have been sent.
type logDeliverer struct {
	logger logger.Logger
}

func (d *logDeliverer) Deliver(ctx context.Context, owner report.Owner, location string, output map[string]string) error {
	d.logger.Info("report %s for %s ready for %v", location, owner, output)
	return nil
}
