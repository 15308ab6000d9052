package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/telemetry"
)

var (
	// ErrStorageTimeout means the backend did not answer within its deadline.
	// Writes are retried before this surfaces to callers.
	ErrStorageTimeout = errors.New("storage timeout")

	// ErrStorageUnavailable means the backend cannot be reached at all.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidQuery marks a malformed range aggregation request.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrRetentionExceeded means part of the requested window is only held at
	// a coarser resolution than the requested granularity.
	ErrRetentionExceeded = errors.New("granularity no longer retained for range")
)

// Store is the telemetry log: an append-only record of device samples with
// grouped aggregation pushed down to the storage backend.
type Store interface {
	// AppendSamples writes the batch. Appending an already stored
	// (device, time) key again leaves the stored sample unchanged.
	AppendSamples(ctx context.Context, samples []telemetry.Sample) error

	// AggregateRange returns per-bucket statistics over [q.Start, q.End).
	AggregateRange(ctx context.Context, q Query) ([]BucketStat, error)

	// LatestSamples returns the newest stored sample for every device.
	LatestSamples(ctx context.Context) (map[uuid.UUID]telemetry.Sample, error)
}

// Compactor folds closed windows of finer telemetry into coarser rollups and
// expires rows that have aged out of their tier. Running it twice over the
// same window changes nothing.
type Compactor interface {
	Compact(ctx context.Context, now time.Time) (CompactReport, error)
}

// CompactReport counts the source rows folded and removed by one compaction
// pass.
type CompactReport struct {
	RawToHourly    int64
	HourlyToDaily  int64
	DailyToMonthly int64
}

// Query describes one range aggregation request.
type Query struct {
	// DeviceID narrows the aggregation to a single device. Nil aggregates
	// across the whole fleet.
	DeviceID *uuid.UUID

	// Start is inclusive, End exclusive.
	Start time.Time
	End   time.Time

	Granularity Granularity

	// FillEmpty emits zero-sample buckets for bucket starts with no data.
	FillEmpty bool
}

// Validate rejects malformed queries before they reach a backend.
func (q Query) Validate() error {
	if !q.Granularity.Valid() {
		return fmt.Errorf("%w: unknown granularity %q", ErrInvalidQuery, q.Granularity)
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidQuery)
	}
	if !q.End.After(q.Start) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidQuery)
	}
	return nil
}

// BucketStat is the aggregate of the samples falling into one calendar
// bucket.
type BucketStat struct {
	BucketStart   time.Time
	AvgPowerWatts float64
	MinPowerWatts float64
	MaxPowerWatts float64

	// AvgChargeWatthours is nil when no sample in the bucket carried a
	// charge, i.e. the bucket covers no storage devices.
	AvgChargeWatthours *float64

	SampleCount int64
}
