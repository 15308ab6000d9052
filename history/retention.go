package history

import (
	"fmt"
	"time"

	timeutils "github.com/cepro/fleetsim/time_utils"
)

// Granularity selects the calendar bucket size for range aggregation.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Valid returns true for the known granularities.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityWeek, GranularityMonth:
		return true
	}
	return false
}

// Floor rounds t down to the start of the bucket containing it. Hours are
// physical UTC-aligned hours, days, weeks and months follow the calendar of
// the given location.
func (g Granularity) Floor(t time.Time, loc *time.Location) time.Time {
	switch g {
	case GranularityHour:
		return timeutils.FloorHour(t)
	case GranularityDay:
		return timeutils.FloorDay(t.In(loc))
	case GranularityWeek:
		return timeutils.FloorWeek(t.In(loc))
	case GranularityMonth:
		return timeutils.FloorMonth(t.In(loc))
	}
	return t
}

// Next steps a bucket start to the start of the following bucket.
func (g Granularity) Next(t time.Time) time.Time {
	switch g {
	case GranularityHour:
		return timeutils.NextHour(t)
	case GranularityDay:
		return timeutils.NextDay(t)
	case GranularityWeek:
		return timeutils.NextWeek(t)
	case GranularityMonth:
		return timeutils.NextMonth(t)
	}
	return t
}

// Tier is one resolution level of the telemetry log. Samples age through the
// tiers: raw points become hourly rollups, hourly become daily, daily become
// monthly. Monthly rollups are kept indefinitely.
type Tier int

const (
	TierRaw Tier = iota
	TierHourly
	TierDaily
	TierMonthly
)

func (t Tier) String() string {
	switch t {
	case TierRaw:
		return "raw"
	case TierHourly:
		return "hourly"
	case TierDaily:
		return "daily"
	case TierMonthly:
		return "monthly"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// CanServe returns true if rollups at this tier can be folded exactly into
// buckets of the given granularity. Hour rollups nest inside every calendar
// bucket, day rollups inside everything but hours, month rollups only inside
// months.
func (t Tier) CanServe(g Granularity) bool {
	switch t {
	case TierRaw:
		return true
	case TierHourly:
		return true
	case TierDaily:
		return g != GranularityHour
	case TierMonthly:
		return g == GranularityMonth
	}
	return false
}

// RetentionPolicy sets how long each tier keeps its rows before compaction
// folds them into the next tier.
type RetentionPolicy struct {
	Raw    time.Duration
	Hourly time.Duration
	Daily  time.Duration
}

// DefaultRetention keeps raw samples for a week, hourly rollups for ninety
// days and daily rollups for two years.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Raw:    7 * 24 * time.Hour,
		Hourly: 90 * 24 * time.Hour,
		Daily:  730 * 24 * time.Hour,
	}
}

// Cutoffs are the instants separating the tiers at a given now. Data older
// than Hour lives in hourly or coarser rollups, older than Day in daily or
// coarser, older than Month in monthly rollups only.
type Cutoffs struct {
	Hour  time.Time
	Day   time.Time
	Month time.Time
}

// CutoffsAt computes the tier boundaries for the policy at the given instant.
// Boundaries are floored to whole buckets of the coarser tier so compaction
// only ever folds closed windows.
func (p RetentionPolicy) CutoffsAt(now time.Time, loc *time.Location) Cutoffs {
	c := Cutoffs{
		Hour:  timeutils.FloorHour(now.Add(-p.Raw)),
		Day:   timeutils.FloorDay(now.Add(-p.Hourly).In(loc)),
		Month: timeutils.FloorMonth(now.Add(-p.Daily).In(loc)),
	}
	// Guard against inverted policies so the tier bands never overlap
	if c.Day.After(c.Hour) {
		c.Day = timeutils.FloorDay(c.Hour.In(loc))
	}
	if c.Month.After(c.Day) {
		c.Month = timeutils.FloorMonth(c.Day.In(loc))
	}
	return c
}

// TierSpan is the slice of a query window served by one tier.
type TierSpan struct {
	Tier  Tier
	Start time.Time
	End   time.Time
}

// PlanTiers splits the query window [q.Start, q.End) into spans by the tier
// holding each part of it at the given now, oldest first. Queries that ask
// for finer buckets than a serving tier can fold exactly fail with
// ErrRetentionExceeded.
func PlanTiers(q Query, policy RetentionPolicy, now time.Time, loc *time.Location) ([]TierSpan, error) {
	cuts := policy.CutoffsAt(now, loc)

	bands := []struct {
		tier Tier
		from time.Time // zero means unbounded past
		to   time.Time // zero means unbounded future
	}{
		{TierMonthly, time.Time{}, cuts.Month},
		{TierDaily, cuts.Month, cuts.Day},
		{TierHourly, cuts.Day, cuts.Hour},
		{TierRaw, cuts.Hour, time.Time{}},
	}

	var spans []TierSpan
	for _, band := range bands {
		start := q.Start
		if !band.from.IsZero() && band.from.After(start) {
			start = band.from
		}
		end := q.End
		if !band.to.IsZero() && band.to.Before(end) {
			end = band.to
		}
		if !end.After(start) {
			continue
		}
		if !band.tier.CanServe(q.Granularity) {
			return nil, fmt.Errorf("%w: %s..%s is held at %s resolution, cannot serve %s buckets",
				ErrRetentionExceeded, start.Format(time.RFC3339), end.Format(time.RFC3339), band.tier, q.Granularity)
		}
		spans = append(spans, TierSpan{Tier: band.tier, Start: start, End: end})
	}
	return spans, nil
}
