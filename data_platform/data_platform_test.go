package dataplatform

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/repository"
	"github.com/cepro/fleetsim/telemetry"
)

// fakeUploader records every upload call and fails while err is set.
type fakeUploader struct {
	err    error
	tables []string
	rows   [][]supabaseSample
}

func (f *fakeUploader) UploadRows(table string, rows interface{}) error {
	f.tables = append(f.tables, table)
	f.rows = append(f.rows, rows.([]supabaseSample))
	return f.err
}

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.New(filepath.Join(t.TempDir(), "fleetsim.db"), time.UTC, history.DefaultRetention())
	if err != nil {
		t.Fatalf("could not open repository: %v", err)
	}
	return repo
}

func seedSamples(t *testing.T, repo *repository.Repository, id uuid.UUID, base time.Time, count int) {
	t.Helper()
	samples := make([]telemetry.Sample, 0, count)
	for i := 0; i < count; i++ {
		samples = append(samples, telemetry.Sample{
			DeviceID:   id,
			Time:       base.Add(time.Duration(i) * time.Minute),
			PowerWatts: float64(100 * (i + 1)),
		})
	}
	assert.NoError(t, repo.AppendSamples(context.Background(), samples))
}

func TestAttemptUploadMarksSamples(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	id := uuid.New()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	seedSamples(t, repo, id, base, 3)

	fake := &fakeUploader{}
	uploader := New(repo, fake, "device_samples", 0, 0)

	uploader.attemptUpload(ctx)

	if assert.Len(t, fake.rows, 1) {
		assert.Equal(t, "device_samples", fake.tables[0])
		assert.Len(t, fake.rows[0], 3)
		assert.Equal(t, id, fake.rows[0][0].DeviceID)
		assert.Equal(t, base.Add(2*time.Minute), fake.rows[0][0].Time, "newest samples upload first")
	}

	fresh, err := repo.SamplesForUpload(ctx, 10, true)
	assert.NoError(t, err)
	assert.Empty(t, fresh)
	retries, err := repo.SamplesForUpload(ctx, 10, false)
	assert.NoError(t, err)
	assert.Empty(t, retries)

	// nothing left, so another pass uploads nothing
	uploader.attemptUpload(ctx)
	assert.Len(t, fake.rows, 1)
}

func TestAttemptUploadRetriesFailedChunks(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	seedSamples(t, repo, uuid.New(), base, 2)

	fake := &fakeUploader{err: errors.New("supabase down")}
	uploader := New(repo, fake, "device_samples", 0, 0)

	// the fresh chunk fails, is requeued as a retry and fails again
	uploader.attemptUpload(ctx)
	assert.Len(t, fake.rows, 2)

	retries, err := repo.SamplesForUpload(ctx, 10, false)
	assert.NoError(t, err)
	if assert.Len(t, retries, 2) {
		for _, row := range retries {
			assert.Equal(t, uint(2), row.UploadAttemptCount)
		}
	}

	fake.err = nil
	uploader.attemptUpload(ctx)
	assert.Len(t, fake.rows, 3, "the retry queue drains once uploads recover")

	retries, err = repo.SamplesForUpload(ctx, 10, false)
	assert.NoError(t, err)
	assert.Empty(t, retries)
	fresh, err := repo.SamplesForUpload(ctx, 10, true)
	assert.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestAttemptUploadHonoursChunkSize(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Minute)
	seedSamples(t, repo, uuid.New(), base, 5)

	fake := &fakeUploader{}
	uploader := New(repo, fake, "device_samples", time.Second, 2)

	uploader.attemptUpload(ctx)

	if assert.Len(t, fake.rows, 1) {
		assert.Len(t, fake.rows[0], 2)
	}
	fresh, err := repo.SamplesForUpload(ctx, 10, true)
	assert.NoError(t, err)
	assert.Len(t, fresh, 3)
}

func TestSupabaseSamplesConversion(t *testing.T) {
	id := uuid.New()
	ts := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	charge := 6750.0
	rows := []repository.StoredSample{
		{DeviceID: id.String(), Ts: ts.Unix(), PowerWatts: -1500, ChargeWatthours: &charge, Mode: "charging"},
		{DeviceID: id.String(), Ts: ts.Add(time.Minute).Unix(), PowerWatts: 4200},
	}

	converted, err := supabaseSamples(rows)
	assert.NoError(t, err)
	if !assert.Len(t, converted, 2) {
		return
	}

	assert.Equal(t, id, converted[0].DeviceID)
	assert.Equal(t, ts, converted[0].Time)
	assert.InDelta(t, -1500, converted[0].PowerWatts, 1e-9)
	if assert.NotNil(t, converted[0].ChargeWatthours) {
		assert.InDelta(t, 6750, *converted[0].ChargeWatthours, 1e-9)
	}
	assert.Equal(t, "charging", converted[0].Mode)

	assert.Nil(t, converted[1].ChargeWatthours)
	assert.Empty(t, converted[1].Mode)

	_, err = supabaseSamples([]repository.StoredSample{{DeviceID: "not-a-uuid", Ts: ts.Unix()}})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := newTestRepository(t)
	uploader := New(repo, &fakeUploader{}, "device_samples", 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		uploader.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
