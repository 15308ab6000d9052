package influxdb

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRawWindowFlux(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stop := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	want := `data = from(bucket: "fleetsim_raw")
	|> range(start: 2026-03-01T00:00:00Z, stop: 2026-03-02T00:00:00Z)
	|> filter(fn: (r) => r["_measurement"] == "telemetry")
power = data
	|> filter(fn: (r) => r["_field"] == "power_watts")
charge = data
	|> filter(fn: (r) => r["_field"] == "charge_watthours")
power
	|> aggregateWindow(every: 1h, fn: count, createEmpty: false, timeSrc: "_start")
	|> yield(name: "sample_count")
power
	|> aggregateWindow(every: 1h, fn: sum, createEmpty: false, timeSrc: "_start")
	|> yield(name: "sum_power")
power
	|> aggregateWindow(every: 1h, fn: min, createEmpty: false, timeSrc: "_start")
	|> yield(name: "min_power")
power
	|> aggregateWindow(every: 1h, fn: max, createEmpty: false, timeSrc: "_start")
	|> yield(name: "max_power")
charge
	|> aggregateWindow(every: 1h, fn: count, createEmpty: false, timeSrc: "_start")
	|> yield(name: "charge_count")
charge
	|> aggregateWindow(every: 1h, fn: sum, createEmpty: false, timeSrc: "_start")
	|> yield(name: "sum_charge")
`

	assert.Equal(t, want, rawWindowFlux("fleetsim_raw", start, stop, ""))
}

func TestRawWindowFluxDeviceScope(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stop := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	id := uuid.MustParse("5c968ec3-95a8-4e1d-9e0c-06c2bd9eb45c")

	flux := rawWindowFlux("fleetsim_raw", start, stop, id.String())
	assert.Contains(t, flux, `|> filter(fn: (r) => r["device_id"] == "5c968ec3-95a8-4e1d-9e0c-06c2bd9eb45c")`)
}

func TestRollupRangeFlux(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stop := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	want := `from(bucket: "fleetsim_hourly")
	|> range(start: 2026-03-01T00:00:00Z, stop: 2026-03-08T00:00:00Z)
	|> filter(fn: (r) => r["_measurement"] == "rollup")
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
`

	assert.Equal(t, want, rollupRangeFlux("fleetsim_hourly", start, stop, ""))
}

func TestRollupRangeFluxDeviceScope(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stop := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	id := uuid.MustParse("5c968ec3-95a8-4e1d-9e0c-06c2bd9eb45c")

	want := `from(bucket: "fleetsim_daily")
	|> range(start: 2026-03-01T00:00:00Z, stop: 2026-03-08T00:00:00Z)
	|> filter(fn: (r) => r["_measurement"] == "rollup")
	|> filter(fn: (r) => r["device_id"] == "5c968ec3-95a8-4e1d-9e0c-06c2bd9eb45c")
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
`

	assert.Equal(t, want, rollupRangeFlux("fleetsim_daily", start, stop, id.String()))
}

func TestLatestFlux(t *testing.T) {
	want := `from(bucket: "fleetsim_raw")
	|> range(start: 1970-01-01T00:00:00Z)
	|> filter(fn: (r) => r["_measurement"] == "telemetry")
	|> last()
	|> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
`

	assert.Equal(t, want, latestFlux("fleetsim_raw"))
}

func TestFluxTimeIsUTC(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	assert.NoError(t, err)

	local := time.Date(2026, 7, 1, 12, 0, 0, 0, paris)
	assert.Equal(t, "2026-07-01T10:00:00Z", fluxTime(local))
}
