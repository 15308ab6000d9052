package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergePartialsWeightedAverage(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	// Two hour partials on the same day with different sample counts: the
	// merged average must weight by count, not average the averages.
	partials := []Partial{
		{Start: day.Add(9 * time.Hour), SampleCount: 2, SumPower: 10, MinPower: 2, MaxPower: 8},
		{Start: day.Add(10 * time.Hour), SampleCount: 3, SumPower: 30, MinPower: -5, MaxPower: 20},
	}

	stats := MergePartials(partials, GranularityDay, time.UTC)
	if assert.Len(t, stats, 1) {
		assert.True(t, stats[0].BucketStart.Equal(day))
		assert.InDelta(t, 8.0, stats[0].AvgPowerWatts, 0.0001) // 40 / 5
		assert.Equal(t, -5.0, stats[0].MinPowerWatts)
		assert.Equal(t, 20.0, stats[0].MaxPowerWatts)
		assert.Equal(t, int64(5), stats[0].SampleCount)
		assert.Nil(t, stats[0].AvgChargeWatthours)
	}
}

func TestMergePartialsChargeAverage(t *testing.T) {
	hour := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	partials := []Partial{
		{Start: hour, SampleCount: 4, SumPower: 0, ChargeCount: 2, SumCharge: 10000},
		{Start: hour.Add(time.Hour), SampleCount: 4, SumPower: 0, ChargeCount: 2, SumCharge: 14000},
	}

	stats := MergePartials(partials, GranularityDay, time.UTC)
	if assert.Len(t, stats, 1) {
		if assert.NotNil(t, stats[0].AvgChargeWatthours) {
			assert.InDelta(t, 6000.0, *stats[0].AvgChargeWatthours, 0.0001) // 24000 / 4
		}
	}
}

func TestMergePartialsKeepsDistinctBucketsOrdered(t *testing.T) {
	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	// Deliberately out of order
	partials := []Partial{
		{Start: day2.Add(4 * time.Hour), SampleCount: 1, SumPower: 7, MinPower: 7, MaxPower: 7},
		{Start: day1.Add(2 * time.Hour), SampleCount: 1, SumPower: 3, MinPower: 3, MaxPower: 3},
	}

	stats := MergePartials(partials, GranularityDay, time.UTC)
	if assert.Len(t, stats, 2) {
		assert.True(t, stats[0].BucketStart.Equal(day1))
		assert.True(t, stats[1].BucketStart.Equal(day2))
	}
}

func TestMergePartialsLocalCalendar(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("Failed to load London time: %v", err)
	}

	// 23:30 UTC on June 3rd is already June 4th in London: the partial must
	// land in the local day bucket.
	partials := []Partial{
		{Start: time.Date(2026, 6, 3, 23, 0, 0, 0, time.UTC), SampleCount: 1, SumPower: 5, MinPower: 5, MaxPower: 5},
	}

	stats := MergePartials(partials, GranularityDay, london)
	if assert.Len(t, stats, 1) {
		assert.True(t, stats[0].BucketStart.Equal(time.Date(2026, 6, 4, 0, 0, 0, 0, london)))
	}
}

func TestFillBuckets(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	q := Query{
		Start:       start,
		End:         start.Add(3 * time.Hour),
		Granularity: GranularityHour,
		FillEmpty:   true,
	}

	// Only the middle hour has data
	present := []BucketStat{
		{BucketStart: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), AvgPowerWatts: 5, MinPowerWatts: 5, MaxPowerWatts: 5, SampleCount: 1},
	}

	filled := FillBuckets(present, q, time.UTC)
	if assert.Len(t, filled, 4) {
		// The first bucket is the one containing q.Start
		assert.True(t, filled[0].BucketStart.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
		assert.Equal(t, int64(0), filled[0].SampleCount)
		assert.Nil(t, filled[0].AvgChargeWatthours)

		assert.Equal(t, int64(1), filled[1].SampleCount)
		assert.Equal(t, 5.0, filled[1].AvgPowerWatts)

		assert.Equal(t, int64(0), filled[2].SampleCount)
		assert.True(t, filled[3].BucketStart.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
		assert.Equal(t, int64(0), filled[3].SampleCount)
	}
}
