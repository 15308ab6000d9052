package history

import (
	"sort"
	"time"
)

// Partial is a tier-resolution aggregate returned by a storage backend. Sums
// and counts add and minima and maxima compose, so partials merge exactly
// into any coarser calendar bucket.
type Partial struct {
	Start       time.Time
	SampleCount int64
	SumPower    float64
	MinPower    float64
	MaxPower    float64
	ChargeCount int64
	SumCharge   float64
}

// MergePartials folds tier-resolution partials into buckets of the requested
// granularity, computed in the given location, and returns the buckets in
// ascending order. Partials with the same bucket are combined exactly: the
// average is reconstructed from summed values and counts.
func MergePartials(partials []Partial, g Granularity, loc *time.Location) []BucketStat {
	merged := make(map[int64]*Partial, len(partials))
	starts := make(map[int64]time.Time, len(partials))

	for _, p := range partials {
		if p.SampleCount == 0 {
			continue
		}
		bucketStart := g.Floor(p.Start, loc)
		key := bucketStart.UnixNano()

		acc, ok := merged[key]
		if !ok {
			clone := p
			merged[key] = &clone
			starts[key] = bucketStart
			continue
		}
		acc.SampleCount += p.SampleCount
		acc.SumPower += p.SumPower
		if p.MinPower < acc.MinPower {
			acc.MinPower = p.MinPower
		}
		if p.MaxPower > acc.MaxPower {
			acc.MaxPower = p.MaxPower
		}
		acc.ChargeCount += p.ChargeCount
		acc.SumCharge += p.SumCharge
	}

	stats := make([]BucketStat, 0, len(merged))
	for key, acc := range merged {
		stat := BucketStat{
			BucketStart:   starts[key],
			AvgPowerWatts: acc.SumPower / float64(acc.SampleCount),
			MinPowerWatts: acc.MinPower,
			MaxPowerWatts: acc.MaxPower,
			SampleCount:   acc.SampleCount,
		}
		if acc.ChargeCount > 0 {
			avgCharge := acc.SumCharge / float64(acc.ChargeCount)
			stat.AvgChargeWatthours = &avgCharge
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].BucketStart.Before(stats[j].BucketStart) })
	return stats
}

// FillBuckets inserts zero-sample buckets so that every bucket start from
// the one containing q.Start up to q.End appears exactly once.
func FillBuckets(stats []BucketStat, q Query, loc *time.Location) []BucketStat {
	byStart := make(map[int64]BucketStat, len(stats))
	for _, s := range stats {
		byStart[s.BucketStart.UnixNano()] = s
	}

	var filled []BucketStat
	for start := q.Granularity.Floor(q.Start, loc); start.Before(q.End); start = q.Granularity.Next(start) {
		if s, ok := byStart[start.UnixNano()]; ok {
			filled = append(filled, s)
			continue
		}
		filled = append(filled, BucketStat{BucketStart: start})
	}
	return filled
}
