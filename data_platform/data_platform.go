// Package dataplatform streams telemetry samples to the hosted data
// platform. Samples are buffered in the local repository by the simulation
// engine and uploaded in chunks, so connectivity loss costs nothing but lag.
package dataplatform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/fleetsim/repository"
)

const (
	defaultUploadInterval = 30 * time.Second

	// defaultChunkSize defines how many samples we upload in one supabase HTTP request
	defaultChunkSize = 100
)

// RowUploader inserts json-encodable rows into a named table.
type RowUploader interface {
	UploadRows(table string, rows interface{}) error
}

// Uploader periodically drains unuploaded samples from the repository into
// the data platform.
type Uploader struct {
	repo     *repository.Repository
	client   RowUploader
	table    string
	interval time.Duration
	chunk    int
	logger   *slog.Logger
}

func New(repo *repository.Repository, client RowUploader, table string, interval time.Duration, chunk int) *Uploader {
	if interval <= 0 {
		interval = defaultUploadInterval
	}
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	return &Uploader{
		repo:     repo,
		client:   client,
		table:    table,
		interval: interval,
		chunk:    chunk,
		logger:   slog.Default().With("component", "dataplatform"),
	}
}

// Run attempts an upload on every tick until the context is cancelled.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.attemptUpload(ctx)
		}
	}
}

// attemptUpload uploads one chunk of samples that have never been attempted,
// then one chunk of samples whose earlier attempts failed.
func (u *Uploader) attemptUpload(ctx context.Context) {
	for _, fresh := range []bool{true, false} {
		rows, err := u.repo.SamplesForUpload(ctx, u.chunk, fresh)
		if err != nil {
			u.logger.Error("failed to query samples for upload", "fresh", fresh, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		if err := u.uploadChunk(ctx, rows); err != nil {
			u.logger.Error("failed to upload samples", "fresh", fresh, "error", err)
		}
	}
}

// uploadChunk attempts to upload the given samples. If successful, the rows
// are marked as uploaded, if unsuccessful, their 'upload attempt count'
// column is incremented and they stay queued for another time.
func (u *Uploader) uploadChunk(ctx context.Context, rows []repository.StoredSample) error {
	converted, err := supabaseSamples(rows)
	if err != nil {
		return fmt.Errorf("convert samples: %w", err)
	}

	if uploadErr := u.client.UploadRows(u.table, converted); uploadErr != nil {
		uploadErr = fmt.Errorf("upload failed: %w", uploadErr)
		if errInc := u.repo.IncrementUploadAttempts(ctx, rows); errInc != nil {
			return fmt.Errorf("%w: increment upload attempt count: %w", uploadErr, errInc)
		}
		return uploadErr
	}

	if err := u.repo.MarkUploaded(ctx, rows); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}

	u.logger.Info("Uploaded samples", "db_table", u.table, "db_records", len(rows))

	return nil
}
