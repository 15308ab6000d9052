package influxdb

import (
	"fmt"
	"strings"
	"time"
)

const (
	measurementTelemetry = "telemetry"
	measurementRollup    = "rollup"

	tagDeviceID = "device_id"

	fieldPowerWatts      = "power_watts"
	fieldChargeWatthours = "charge_watthours"
	fieldMode            = "mode"

	fieldSampleCount = "sample_count"
	fieldSumPower    = "sum_power"
	fieldMinPower    = "min_power"
	fieldMaxPower    = "max_power"
	fieldChargeCount = "charge_count"
	fieldSumCharge   = "sum_charge"
)

func fluxTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// rawWindowFlux aggregates the raw samples in [start, stop) into UTC hour
// windows, one yield per statistic. The windows keep their device_id grouping
// so the results can be written back as per-device rollup points.
func rawWindowFlux(bucket string, start, stop time.Time, deviceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "data = from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "\t|> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(stop))
	fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", "_measurement", measurementTelemetry)
	if deviceID != "" {
		fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", tagDeviceID, deviceID)
	}
	b.WriteString("power = data\n")
	fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", "_field", fieldPowerWatts)
	b.WriteString("charge = data\n")
	fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", "_field", fieldChargeWatthours)

	yields := []struct {
		source string
		fn     string
		name   string
	}{
		{"power", "count", fieldSampleCount},
		{"power", "sum", fieldSumPower},
		{"power", "min", fieldMinPower},
		{"power", "max", fieldMaxPower},
		{"charge", "count", fieldChargeCount},
		{"charge", "sum", fieldSumCharge},
	}
	for _, y := range yields {
		fmt.Fprintf(&b, "%s\n", y.source)
		fmt.Fprintf(&b, "\t|> aggregateWindow(every: 1h, fn: %s, createEmpty: false, timeSrc: %q)\n", y.fn, "_start")
		fmt.Fprintf(&b, "\t|> yield(name: %q)\n", y.name)
	}
	return b.String()
}

// rollupRangeFlux reads rollup points with bucket starts in [start, stop),
// pivoted so each record carries all six statistic fields of one rollup.
func rollupRangeFlux(bucket string, start, stop time.Time, deviceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "\t|> range(start: %s, stop: %s)\n", fluxTime(start), fluxTime(stop))
	fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", "_measurement", measurementRollup)
	if deviceID != "" {
		fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", tagDeviceID, deviceID)
	}
	fmt.Fprintf(&b, "\t|> pivot(rowKey: [%q], columnKey: [%q], valueColumn: %q)\n", "_time", "_field", "_value")
	return b.String()
}

// latestFlux selects the newest raw point per device, pivoted into one record
// per device.
func latestFlux(bucket string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %q)\n", bucket)
	fmt.Fprintf(&b, "\t|> range(start: %s)\n", fluxTime(time.Unix(0, 0)))
	fmt.Fprintf(&b, "\t|> filter(fn: (r) => r[%q] == %q)\n", "_measurement", measurementTelemetry)
	b.WriteString("\t|> last()\n")
	fmt.Fprintf(&b, "\t|> pivot(rowKey: [%q], columnKey: [%q], valueColumn: %q)\n", "_time", "_field", "_value")
	return b.String()
}
