// Package repository persists the fleet and its telemetry to a local sqlite
// database. It is the device row store, the tiered telemetry log and the
// staging area for uploads to the data platform.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/telemetry"
	timeutils "github.com/cepro/fleetsim/time_utils"
)

const (
	appendAttempts  = 3
	appendBackoff   = 100 * time.Millisecond
	appendBatchSize = 500
)

// Repository stores devices, raw samples and the rollup tiers in sqlite.
// Calendar bucket boundaries for the daily and monthly tiers follow the
// configured location.
type Repository struct {
	db        *gorm.DB
	location  *time.Location
	retention history.RetentionPolicy
}

func New(path string, loc *time.Location, retention history.RetentionPolicy) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.AutoMigrate(&StoredDevice{}, &StoredSample{}, &HourlyRollup{}, &DailyRollup{}, &MonthlyRollup{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db:        db,
		location:  loc,
		retention: retention,
	}, nil
}

func (r *Repository) InsertDevice(ctx context.Context, d device.Device) error {
	row, err := newStoredDevice(d)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Create(&row)
	return storageErr(result.Error)
}

func (r *Repository) GetDevice(ctx context.Context, id uuid.UUID) (device.Device, error) {
	var row StoredDevice
	result := r.db.WithContext(ctx).First(&row, "id = ?", id.String())
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return device.Device{}, device.ErrNotFound
	}
	if result.Error != nil {
		return device.Device{}, storageErr(result.Error)
	}
	return row.Device()
}

func (r *Repository) ListDevices(ctx context.Context, f device.Filter) ([]device.Device, error) {
	query := r.db.WithContext(ctx).Order("created_at asc, id asc")
	if f.ActiveOnly {
		query = query.Where("active = ?", true)
	}
	if f.Type != nil {
		query = query.Where("type = ?", string(*f.Type))
	}

	var rows []StoredDevice
	if result := query.Find(&rows); result.Error != nil {
		return nil, storageErr(result.Error)
	}
	devices := make([]device.Device, 0, len(rows))
	for _, row := range rows {
		d, err := row.Device()
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (r *Repository) UpdateDeviceActive(ctx context.Context, id uuid.UUID, active bool, updatedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&StoredDevice{}).Where("id = ?", id.String()).
		Updates(map[string]interface{}{"active": active, "updated_at": updatedAt})
	if result.Error != nil {
		return storageErr(result.Error)
	}
	if result.RowsAffected == 0 {
		return device.ErrNotFound
	}
	return nil
}

// AppendSamples writes the batch into the raw tier. The (device_id, ts) key
// makes the write idempotent: retrying a batch that partially landed cannot
// duplicate samples. Transient failures are retried with backoff before the
// error surfaces.
func (r *Repository) AppendSamples(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]StoredSample, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, newStoredSample(s))
	}

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", history.ErrStorageTimeout, ctx.Err())
			case <-time.After(time.Duration(attempt) * appendBackoff):
			}
		}
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, appendBatchSize)
		err = result.Error
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("append samples: %w", storageErr(err))
}

// AggregateRange serves bucketed statistics over [q.Start, q.End), reading
// whichever tiers hold the window. Every sample lives in exactly one tier
// table at a time, so summing the grouped partials of all candidate tables
// is exact even while compaction is lagging behind the retention cutoffs.
func (r *Repository) AggregateRange(ctx context.Context, q history.Query) ([]history.BucketStat, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if _, err := history.PlanTiers(q, r.retention, time.Now().UTC(), r.location); err != nil {
		return nil, err
	}

	partials, err := r.rawPartials(ctx, q)
	if err != nil {
		return nil, err
	}
	rollups := []struct {
		table string
		start time.Time
	}{
		{table: "hourly_rollups", start: timeutils.FloorHour(q.Start)},
		{table: "daily_rollups", start: timeutils.FloorDay(q.Start.In(r.location))},
		{table: "monthly_rollups", start: timeutils.FloorMonth(q.Start.In(r.location))},
	}
	for _, tier := range rollups {
		p, err := r.rollupPartials(ctx, q, tier.table, tier.start)
		if err != nil {
			return nil, err
		}
		partials = append(partials, p...)
	}

	stats := history.MergePartials(partials, q.Granularity, r.location)
	if q.FillEmpty {
		stats = history.FillBuckets(stats, q, r.location)
	}
	return stats, nil
}

// partialRow is the scan target for the grouped aggregation queries.
type partialRow struct {
	Bucket      int64
	SampleCount int64
	SumPower    float64
	MinPower    float64
	MaxPower    float64
	ChargeCount int64
	SumCharge   float64
}

// rawPartials groups the raw samples inside [q.Start, q.End) into UTC hour
// buckets, database side.
func (r *Repository) rawPartials(ctx context.Context, q history.Query) ([]history.Partial, error) {
	sql := `SELECT (ts / 3600) * 3600 AS bucket,
		COUNT(*) AS sample_count,
		SUM(power_watts) AS sum_power,
		MIN(power_watts) AS min_power,
		MAX(power_watts) AS max_power,
		COUNT(charge_watthours) AS charge_count,
		COALESCE(SUM(charge_watthours), 0) AS sum_charge
		FROM stored_samples WHERE ts >= ? AND ts < ?`
	args := []interface{}{q.Start.UTC().Unix(), q.End.UTC().Unix()}
	if q.DeviceID != nil {
		sql += ` AND device_id = ?`
		args = append(args, q.DeviceID.String())
	}
	sql += ` GROUP BY bucket`

	var rows []partialRow
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	return toPartials(rows), nil
}

// rollupPartials reads one rollup table over the window, grouped by bucket
// start so fleet-wide queries collapse the per-device rows. The window start
// is floored to the table's own bucket size: a rollup straddling q.Start is
// included whole, since its raw source is gone and it can no longer be split.
func (r *Repository) rollupPartials(ctx context.Context, q history.Query, table string, start time.Time) ([]history.Partial, error) {
	sql := fmt.Sprintf(`SELECT bucket_start AS bucket,
		SUM(sample_count) AS sample_count,
		SUM(sum_power) AS sum_power,
		MIN(min_power) AS min_power,
		MAX(max_power) AS max_power,
		SUM(charge_count) AS charge_count,
		SUM(sum_charge) AS sum_charge
		FROM %s WHERE bucket_start >= ? AND bucket_start < ?`, table)
	args := []interface{}{start.Unix(), q.End.UTC().Unix()}
	if q.DeviceID != nil {
		sql += ` AND device_id = ?`
		args = append(args, q.DeviceID.String())
	}
	sql += ` GROUP BY bucket_start`

	var rows []partialRow
	if err := r.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	return toPartials(rows), nil
}

func toPartials(rows []partialRow) []history.Partial {
	partials := make([]history.Partial, 0, len(rows))
	for _, row := range rows {
		partials = append(partials, history.Partial{
			Start:       time.Unix(row.Bucket, 0).UTC(),
			SampleCount: row.SampleCount,
			SumPower:    row.SumPower,
			MinPower:    row.MinPower,
			MaxPower:    row.MaxPower,
			ChargeCount: row.ChargeCount,
			SumCharge:   row.SumCharge,
		})
	}
	return partials
}

// LatestSamples returns the newest raw sample per device, used to warm the
// state store after a restart.
func (r *Repository) LatestSamples(ctx context.Context) (map[uuid.UUID]telemetry.Sample, error) {
	const sql = `SELECT s.* FROM stored_samples s
		JOIN (SELECT device_id, MAX(ts) AS max_ts FROM stored_samples GROUP BY device_id) latest
		ON s.device_id = latest.device_id AND s.ts = latest.max_ts`

	var rows []StoredSample
	if err := r.db.WithContext(ctx).Raw(sql).Scan(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	samples := make(map[uuid.UUID]telemetry.Sample, len(rows))
	for _, row := range rows {
		sample, err := row.Sample()
		if err != nil {
			return nil, err
		}
		samples[sample.DeviceID] = sample
	}
	return samples, nil
}

// Compact folds data that has aged across the retention cutoffs into the next
// tier and deletes the folded source rows. Each step runs in one transaction,
// so a rollup either fully replaces its source rows or the step leaves both
// untouched, which is what makes re-running compaction a no-op.
func (r *Repository) Compact(ctx context.Context, now time.Time) (history.CompactReport, error) {
	cuts := r.retention.CutoffsAt(now, r.location)
	var report history.CompactReport

	folded, err := r.compactRawToHourly(ctx, cuts.Hour)
	if err != nil {
		return report, fmt.Errorf("compact raw to hourly: %w", storageErr(err))
	}
	report.RawToHourly = folded

	folded, err = r.compactHourlyToDaily(ctx, cuts.Day)
	if err != nil {
		return report, fmt.Errorf("compact hourly to daily: %w", storageErr(err))
	}
	report.HourlyToDaily = folded

	folded, err = r.compactDailyToMonthly(ctx, cuts.Month)
	if err != nil {
		return report, fmt.Errorf("compact daily to monthly: %w", storageErr(err))
	}
	report.DailyToMonthly = folded

	return report, nil
}

func (r *Repository) compactRawToHourly(ctx context.Context, cutoff time.Time) (int64, error) {
	var folded int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		insert := `INSERT INTO hourly_rollups (device_id, bucket_start, sample_count, sum_power, min_power, max_power, charge_count, sum_charge)
			SELECT device_id, (ts / 3600) * 3600, COUNT(*), SUM(power_watts), MIN(power_watts), MAX(power_watts), COUNT(charge_watthours), COALESCE(SUM(charge_watthours), 0)
			FROM stored_samples WHERE ts < ?
			GROUP BY device_id, (ts / 3600) * 3600
			ON CONFLICT (device_id, bucket_start) DO NOTHING`
		if err := tx.Exec(insert, cutoff.Unix()).Error; err != nil {
			return err
		}
		result := tx.Where("ts < ?", cutoff.Unix()).Delete(&StoredSample{})
		if result.Error != nil {
			return result.Error
		}
		folded = result.RowsAffected
		return nil
	})
	return folded, err
}

func (r *Repository) compactHourlyToDaily(ctx context.Context, cutoff time.Time) (int64, error) {
	var folded int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []HourlyRollup
		if err := tx.Where("bucket_start < ?", cutoff.Unix()).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		src := make([]RollupRow, len(rows))
		for i, row := range rows {
			src[i] = row.RollupRow
		}
		daily := make([]DailyRollup, 0, len(src))
		for _, row := range foldRollups(src, func(t time.Time) time.Time { return timeutils.FloorDay(t.In(r.location)) }) {
			daily = append(daily, DailyRollup{RollupRow: row})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&daily, appendBatchSize).Error; err != nil {
			return err
		}

		result := tx.Where("bucket_start < ?", cutoff.Unix()).Delete(&HourlyRollup{})
		if result.Error != nil {
			return result.Error
		}
		folded = result.RowsAffected
		return nil
	})
	return folded, err
}

func (r *Repository) compactDailyToMonthly(ctx context.Context, cutoff time.Time) (int64, error) {
	var folded int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []DailyRollup
		if err := tx.Where("bucket_start < ?", cutoff.Unix()).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		src := make([]RollupRow, len(rows))
		for i, row := range rows {
			src[i] = row.RollupRow
		}
		monthly := make([]MonthlyRollup, 0, len(src))
		for _, row := range foldRollups(src, func(t time.Time) time.Time { return timeutils.FloorMonth(t.In(r.location)) }) {
			monthly = append(monthly, MonthlyRollup{RollupRow: row})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&monthly, appendBatchSize).Error; err != nil {
			return err
		}

		result := tx.Where("bucket_start < ?", cutoff.Unix()).Delete(&DailyRollup{})
		if result.Error != nil {
			return result.Error
		}
		folded = result.RowsAffected
		return nil
	})
	return folded, err
}

// foldRollups merges rollup rows into the coarser buckets given by floor, one
// output row per device and bucket, ordered for stable batch inserts.
func foldRollups(rows []RollupRow, floor func(time.Time) time.Time) []RollupRow {
	type key struct {
		deviceID string
		bucket   int64
	}
	acc := make(map[key]*RollupRow)
	for _, row := range rows {
		bucket := floor(time.Unix(row.BucketStart, 0).UTC()).Unix()
		k := key{deviceID: row.DeviceID, bucket: bucket}
		target, ok := acc[k]
		if !ok {
			target = &RollupRow{DeviceID: row.DeviceID, BucketStart: bucket}
			acc[k] = target
		}
		row.mergeInto(target)
	}

	out := make([]RollupRow, 0, len(acc))
	for _, row := range acc {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	return out
}

// SamplesForUpload returns raw samples that have not reached the data
// platform yet. Fresh selects rows never attempted, otherwise rows whose
// earlier attempts failed are returned for retry.
func (r *Repository) SamplesForUpload(ctx context.Context, limit int, fresh bool) ([]StoredSample, error) {
	query := r.db.WithContext(ctx).
		Limit(limit).
		Order("upload_attempt_count asc, ts desc").
		Where("uploaded = ?", false)
	if fresh {
		query = query.Where("upload_attempt_count = ?", 0)
	} else {
		query = query.Where("upload_attempt_count > ?", 0)
	}

	var rows []StoredSample
	if result := query.Find(&rows); result.Error != nil {
		return nil, storageErr(result.Error)
	}
	return rows, nil
}

func (r *Repository) MarkUploaded(ctx context.Context, rows []StoredSample) error {
	if len(rows) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&rows).UpdateColumn("uploaded", true)
	return storageErr(result.Error)
}

func (r *Repository) IncrementUploadAttempts(ctx context.Context, rows []StoredSample) error {
	if len(rows) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&rows).UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return storageErr(result.Error)
}

// storageErr maps backend deadline failures onto the storage timeout
// sentinel. Everything else passes through unchanged.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", history.ErrStorageTimeout, err)
	}
	return err
}
