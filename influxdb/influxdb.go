// Package influxdb is the InfluxDB rendition of the telemetry log. Each
// retention tier is its own bucket with a server-side expiry rule, so unlike
// the sqlite repository, compaction here only folds data forward: it rewrites
// the same rollup points on every pass (an overwrite of identical values) and
// leaves the removal of aged source points to the bucket retention.
package influxdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/telemetry"
	timeutils "github.com/cepro/fleetsim/time_utils"
)

// Tier buckets keep their sources alive past the retention cutoff: cutoffs
// are floored to coarser bucket boundaries (a whole month for the daily
// tier) and compaction needs a chance to fold a window before its points
// expire.
const (
	retentionSlack  = 48 * time.Hour
	monthFloorSlack = 33 * 24 * time.Hour
)

// TierBuckets names the bucket holding each resolution tier.
type TierBuckets struct {
	Raw     string
	Hourly  string
	Daily   string
	Monthly string
}

// Store implements the telemetry log on an InfluxDB v2 server.
type Store struct {
	client    influxdb2.Client
	org       string
	buckets   TierBuckets
	location  *time.Location
	retention history.RetentionPolicy
	logger    *slog.Logger
}

// New connects to the server and verifies it is healthy before returning.
func New(url, token, org string, buckets TierBuckets, loc *time.Location, retention history.RetentionPolicy) (*Store, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect influxdb at %s: %w", url, err)
	}

	return &Store{
		client:    client,
		org:       org,
		buckets:   buckets,
		location:  loc,
		retention: retention,
		logger:    slog.Default().With("component", "influxdb"),
	}, nil
}

func (s *Store) Close() {
	s.client.Close()
}

// EnsureBuckets creates any missing tier buckets with their expiry rules. The
// monthly bucket keeps its rollups indefinitely.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	tiers := []struct {
		name string
		keep time.Duration
	}{
		{s.buckets.Raw, s.retention.Raw + retentionSlack},
		{s.buckets.Hourly, s.retention.Hourly + retentionSlack},
		{s.buckets.Daily, s.retention.Daily + monthFloorSlack},
		{s.buckets.Monthly, 0},
	}

	bucketsAPI := s.client.BucketsAPI()
	var org *domain.Organization
	for _, tier := range tiers {
		if _, err := bucketsAPI.FindBucketByName(ctx, tier.name); err == nil {
			continue
		}
		if org == nil {
			found, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.org)
			if err != nil {
				return fmt.Errorf("find organisation %q: %w", s.org, err)
			}
			org = found
		}
		var rules []domain.RetentionRule
		if tier.keep > 0 {
			rules = append(rules, domain.RetentionRule{
				EverySeconds: int64(tier.keep / time.Second),
				Type:         domain.RetentionRuleTypeExpire,
			})
		}
		if _, err := bucketsAPI.CreateBucketWithName(ctx, org, tier.name, rules...); err != nil {
			return fmt.Errorf("create bucket %q: %w", tier.name, err)
		}
		s.logger.Info("Created bucket", "bucket", tier.name, "keep", tier.keep)
	}
	return nil
}

// AppendSamples writes the batch into the raw bucket. Points are keyed by
// (series, timestamp) server side, so a retried batch overwrites itself
// rather than duplicating samples.
func (s *Store) AppendSamples(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(samples))
	for _, sample := range samples {
		fields := map[string]interface{}{
			fieldPowerWatts: sample.PowerWatts,
		}
		if sample.ChargeWatthours != nil {
			fields[fieldChargeWatthours] = *sample.ChargeWatthours
		}
		if sample.Mode != "" {
			fields[fieldMode] = string(sample.Mode)
		}
		tags := map[string]string{tagDeviceID: sample.DeviceID.String()}
		points = append(points, write.NewPoint(measurementTelemetry, tags, fields, sample.Time))
	}

	if err := s.client.WriteAPIBlocking(s.org, s.buckets.Raw).WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("append samples: %w", storageErr(err))
	}
	return nil
}

// AggregateRange serves bucketed statistics over [q.Start, q.End). The window
// is split into tier spans: each span reads only its own bucket, because a
// sample folded into a rollup stays in the raw bucket until its expiry rule
// fires and must not be counted from both.
func (s *Store) AggregateRange(ctx context.Context, q history.Query) ([]history.BucketStat, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	spans, err := history.PlanTiers(q, s.retention, time.Now().UTC(), s.location)
	if err != nil {
		return nil, err
	}

	deviceID := ""
	if q.DeviceID != nil {
		deviceID = q.DeviceID.String()
	}

	var partials []history.Partial
	for _, span := range spans {
		rows, err := s.tierRows(ctx, span, deviceID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			partials = append(partials, row.partial())
		}
	}

	stats := history.MergePartials(partials, q.Granularity, s.location)
	if q.FillEmpty {
		stats = history.FillBuckets(stats, q, s.location)
	}
	return stats, nil
}

// tierRows reads one tier span. Rollup reads widen the span start to the
// tier's own bucket boundary: a rollup straddling the span start is included
// whole, since its raw source is gone and it can no longer be split.
func (s *Store) tierRows(ctx context.Context, span history.TierSpan, deviceID string) ([]rollupRow, error) {
	switch span.Tier {
	case history.TierRaw:
		return s.queryRawWindows(ctx, span.Start, span.End, deviceID)
	case history.TierHourly:
		return s.queryRollups(ctx, s.buckets.Hourly, timeutils.FloorHour(span.Start), span.End, deviceID)
	case history.TierDaily:
		return s.queryRollups(ctx, s.buckets.Daily, timeutils.FloorDay(span.Start.In(s.location)), span.End, deviceID)
	case history.TierMonthly:
		return s.queryRollups(ctx, s.buckets.Monthly, timeutils.FloorMonth(span.Start.In(s.location)), span.End, deviceID)
	}
	return nil, fmt.Errorf("unknown tier %s", span.Tier)
}

// LatestSamples returns the newest raw point per device, used to warm the
// state store after a restart.
func (s *Store) LatestSamples(ctx context.Context) (map[uuid.UUID]telemetry.Sample, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, latestFlux(s.buckets.Raw))
	if err != nil {
		return nil, storageErr(err)
	}

	samples := make(map[uuid.UUID]telemetry.Sample)
	for result.Next() {
		record := result.Record()
		raw, ok := record.ValueByKey(tagDeviceID).(string)
		if !ok {
			continue
		}
		power, ok := asFloat(record.ValueByKey(fieldPowerWatts))
		if !ok {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse device id %q: %w", raw, err)
		}
		if prev, ok := samples[id]; ok && prev.Time.After(record.Time()) {
			continue
		}
		sample := telemetry.Sample{
			DeviceID:   id,
			Time:       record.Time(),
			PowerWatts: power,
		}
		if charge, ok := asFloat(record.ValueByKey(fieldChargeWatthours)); ok {
			sample.ChargeWatthours = &charge
		}
		if mode, ok := record.ValueByKey(fieldMode).(string); ok {
			sample.Mode = telemetry.Mode(mode)
		}
		samples[id] = sample
	}
	if err := result.Err(); err != nil {
		return nil, storageErr(err)
	}
	return samples, nil
}

// Compact folds closed windows forward: raw hours into the hourly bucket,
// hourly rollups of closed days into the daily bucket, daily rollups of
// closed months into the monthly bucket. Each pass covers the whole band
// between a tier's cutoff and the last closed window, so a run after
// downtime re-folds anything earlier passes missed.
func (s *Store) Compact(ctx context.Context, now time.Time) (history.CompactReport, error) {
	cuts := s.retention.CutoffsAt(now, s.location)
	var report history.CompactReport

	folded, err := s.compactRawToHourly(ctx, cuts.Hour, timeutils.FloorHour(now))
	if err != nil {
		return report, fmt.Errorf("compact raw to hourly: %w", err)
	}
	report.RawToHourly = folded

	folded, err = s.compactRollups(ctx, s.buckets.Hourly, s.buckets.Daily, cuts.Day, timeutils.FloorDay(now.In(s.location)), s.floorDay)
	if err != nil {
		return report, fmt.Errorf("compact hourly to daily: %w", err)
	}
	report.HourlyToDaily = folded

	folded, err = s.compactRollups(ctx, s.buckets.Daily, s.buckets.Monthly, cuts.Month, timeutils.FloorMonth(now.In(s.location)), s.floorMonth)
	if err != nil {
		return report, fmt.Errorf("compact daily to monthly: %w", err)
	}
	report.DailyToMonthly = folded

	return report, nil
}

// compactRawToHourly folds the closed hours in [start, stop) and writes them
// as per-device rollup points. The fold window never reaches below the raw
// cutoff: points near their expiry may already be partially gone, and folding
// them would overwrite a complete rollup with an undercounted one.
func (s *Store) compactRawToHourly(ctx context.Context, start, stop time.Time) (int64, error) {
	if !stop.After(start) {
		return 0, nil
	}
	rows, err := s.queryRawWindows(ctx, start, stop, "")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	points := make([]*write.Point, 0, len(rows))
	var folded int64
	for _, row := range rows {
		folded += row.SampleCount
		points = append(points, row.point())
	}
	if err := s.client.WriteAPIBlocking(s.org, s.buckets.Hourly).WritePoint(ctx, points...); err != nil {
		return 0, storageErr(err)
	}
	return folded, nil
}

// compactRollups folds the source rollups with bucket starts in [start, stop)
// into coarser buckets given by floor, and writes them to the destination.
func (s *Store) compactRollups(ctx context.Context, srcBucket, dstBucket string, start, stop time.Time, floor func(time.Time) time.Time) (int64, error) {
	if !stop.After(start) {
		return 0, nil
	}
	rows, err := s.queryRollups(ctx, srcBucket, start, stop, "")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	folded := foldRows(rows, floor)
	points := make([]*write.Point, 0, len(folded))
	for _, row := range folded {
		points = append(points, row.point())
	}
	if err := s.client.WriteAPIBlocking(s.org, dstBucket).WritePoint(ctx, points...); err != nil {
		return 0, storageErr(err)
	}
	return int64(len(rows)), nil
}

func (s *Store) floorDay(t time.Time) time.Time {
	return timeutils.FloorDay(t.In(s.location))
}

func (s *Store) floorMonth(t time.Time) time.Time {
	return timeutils.FloorMonth(t.In(s.location))
}

// rollupRow is one per-device statistic row, either aggregated from raw
// samples server side or read back from a rollup bucket.
type rollupRow struct {
	DeviceID    string
	BucketStart time.Time
	SampleCount int64
	SumPower    float64
	MinPower    float64
	MaxPower    float64
	ChargeCount int64
	SumCharge   float64
}

func (r rollupRow) partial() history.Partial {
	return history.Partial{
		Start:       r.BucketStart,
		SampleCount: r.SampleCount,
		SumPower:    r.SumPower,
		MinPower:    r.MinPower,
		MaxPower:    r.MaxPower,
		ChargeCount: r.ChargeCount,
		SumCharge:   r.SumCharge,
	}
}

func (r rollupRow) point() *write.Point {
	return write.NewPoint(
		measurementRollup,
		map[string]string{tagDeviceID: r.DeviceID},
		map[string]interface{}{
			fieldSampleCount: r.SampleCount,
			fieldSumPower:    r.SumPower,
			fieldMinPower:    r.MinPower,
			fieldMaxPower:    r.MaxPower,
			fieldChargeCount: r.ChargeCount,
			fieldSumCharge:   r.SumCharge,
		},
		r.BucketStart,
	)
}

func (r rollupRow) mergeInto(acc *rollupRow) {
	if acc.SampleCount == 0 || r.MinPower < acc.MinPower {
		acc.MinPower = r.MinPower
	}
	if acc.SampleCount == 0 || r.MaxPower > acc.MaxPower {
		acc.MaxPower = r.MaxPower
	}
	acc.SampleCount += r.SampleCount
	acc.SumPower += r.SumPower
	acc.ChargeCount += r.ChargeCount
	acc.SumCharge += r.SumCharge
}

// queryRawWindows runs the hour-window aggregation over the raw bucket and
// reassembles the per-statistic yields into rows keyed by device and window
// start.
func (s *Store) queryRawWindows(ctx context.Context, start, stop time.Time, deviceID string) ([]rollupRow, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, rawWindowFlux(s.buckets.Raw, start, stop, deviceID))
	if err != nil {
		return nil, storageErr(err)
	}

	rows := make(map[rowKey]*rollupRow)
	for result.Next() {
		record := result.Record()
		device, ok := record.ValueByKey(tagDeviceID).(string)
		if !ok {
			continue
		}
		k := rowKey{device: device, bucket: record.Time().Unix()}
		row, ok := rows[k]
		if !ok {
			row = &rollupRow{DeviceID: device, BucketStart: record.Time()}
			rows[k] = row
		}
		switch record.Result() {
		case fieldSampleCount:
			row.SampleCount, _ = asInt(record.Value())
		case fieldSumPower:
			row.SumPower, _ = asFloat(record.Value())
		case fieldMinPower:
			row.MinPower, _ = asFloat(record.Value())
		case fieldMaxPower:
			row.MaxPower, _ = asFloat(record.Value())
		case fieldChargeCount:
			row.ChargeCount, _ = asInt(record.Value())
		case fieldSumCharge:
			row.SumCharge, _ = asFloat(record.Value())
		}
	}
	if err := result.Err(); err != nil {
		return nil, storageErr(err)
	}
	return sortedRows(rows), nil
}

// queryRollups reads the rollup points of one bucket with bucket starts in
// [start, stop).
func (s *Store) queryRollups(ctx context.Context, bucket string, start, stop time.Time, deviceID string) ([]rollupRow, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, rollupRangeFlux(bucket, start, stop, deviceID))
	if err != nil {
		return nil, storageErr(err)
	}

	var rows []rollupRow
	for result.Next() {
		record := result.Record()
		device, ok := record.ValueByKey(tagDeviceID).(string)
		if !ok {
			continue
		}
		row := rollupRow{DeviceID: device, BucketStart: record.Time()}
		row.SampleCount, _ = asInt(record.ValueByKey(fieldSampleCount))
		row.SumPower, _ = asFloat(record.ValueByKey(fieldSumPower))
		row.MinPower, _ = asFloat(record.ValueByKey(fieldMinPower))
		row.MaxPower, _ = asFloat(record.ValueByKey(fieldMaxPower))
		row.ChargeCount, _ = asInt(record.ValueByKey(fieldChargeCount))
		row.SumCharge, _ = asFloat(record.ValueByKey(fieldSumCharge))
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, storageErr(err)
	}
	return rows, nil
}

// rowKey identifies one per-device statistic row within a tier.
type rowKey struct {
	device string
	bucket int64
}

// foldRows merges rows into the coarser buckets given by floor, one output
// row per device and bucket, ordered for stable writes.
func foldRows(rows []rollupRow, floor func(time.Time) time.Time) []rollupRow {
	acc := make(map[rowKey]*rollupRow)
	for _, row := range rows {
		bucket := floor(row.BucketStart)
		k := rowKey{device: row.DeviceID, bucket: bucket.Unix()}
		target, ok := acc[k]
		if !ok {
			target = &rollupRow{DeviceID: row.DeviceID, BucketStart: bucket}
			acc[k] = target
		}
		row.mergeInto(target)
	}
	return sortedRows(acc)
}

func sortedRows(rows map[rowKey]*rollupRow) []rollupRow {
	out := make([]rollupRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int64:
		return float64(value), true
	}
	return 0, false
}

func asInt(v interface{}) (int64, bool) {
	switch value := v.(type) {
	case int64:
		return value, true
	case float64:
		return int64(value), true
	}
	return 0, false
}

// storageErr maps deadline failures onto the storage timeout sentinel.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", history.ErrStorageTimeout, err)
	}
	return err
}
