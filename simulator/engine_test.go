package simulator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/statestore"
	"github.com/cepro/fleetsim/telemetry"
)

// staticFleet serves a fixed device slice, standing in for the registry.
type staticFleet struct {
	devices []device.Device
}

func (f *staticFleet) List(ctx context.Context, filter device.Filter) ([]device.Device, error) {
	var out []device.Device
	for _, d := range f.devices {
		if filter.ActiveOnly && !d.Active {
			continue
		}
		if filter.Type != nil && d.Type != *filter.Type {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *staticFleet) Get(ctx context.Context, id uuid.UUID) (device.Device, error) {
	for _, d := range f.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return device.Device{}, &device.UnknownDeviceError{ID: id}
}

// memoryLog collects appended samples, optionally failing every append.
type memoryLog struct {
	mu        sync.Mutex
	samples   []telemetry.Sample
	appendErr error
}

func (l *memoryLog) AppendSamples(ctx context.Context, samples []telemetry.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.samples = append(l.samples, samples...)
	return nil
}

func (l *memoryLog) AggregateRange(ctx context.Context, q history.Query) ([]history.BucketStat, error) {
	return nil, nil
}

func (l *memoryLog) LatestSamples(ctx context.Context) (map[uuid.UUID]telemetry.Sample, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := make(map[uuid.UUID]telemetry.Sample)
	for _, s := range l.samples {
		if existing, ok := latest[s.DeviceID]; !ok || s.Time.After(existing.Time) {
			latest[s.DeviceID] = s
		}
	}
	return latest, nil
}

func (l *memoryLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

func (l *memoryLog) all() []telemetry.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]telemetry.Sample, len(l.samples))
	copy(out, l.samples)
	return out
}

func newTestEngine(t *testing.T, cfg Config, devices ...device.Device) (*Engine, *statestore.Store, *memoryLog) {
	t.Helper()
	states := statestore.New()
	log := &memoryLog{}
	engine, err := New(cfg, &staticFleet{devices: devices}, states, log)
	if err != nil {
		t.Fatalf("could not build engine: %v", err)
	}
	return engine, states, log
}

// TestTickAdvancesFleet is the peak-hour scenario: a 5kW panel at noon with
// jitter disabled and an appliance that is certain to switch on.
func TestTickAdvancesFleet(t *testing.T) {
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	appliance := testDevice(device.TypeAppliance, map[string]float64{
		device.PropAvgPowerDrawWatts: 1800,
	})
	engine, states, log := newTestEngine(t, testConfig(time.UTC), panel, appliance)

	noon := mustParseTime("2024-06-15T12:00:00Z")
	report, err := engine.Tick(context.Background(), noon)
	assert.NoError(t, err)
	assert.Equal(t, 2, report.Devices)
	assert.Equal(t, 2, report.Samples)
	assert.Empty(t, report.Errors)

	panelState, ok := states.Get(panel.ID)
	if assert.True(t, ok) {
		assert.InDelta(t, 5000, panelState.PowerWatts, 0.01)
		assert.Equal(t, noon, panelState.UpdatedAt)
	}
	applianceState, ok := states.Get(appliance.ID)
	if assert.True(t, ok) {
		assert.Equal(t, -1800.0, applianceState.PowerWatts)
	}

	samples := log.all()
	assert.Len(t, samples, 2)
	for _, s := range samples {
		assert.Equal(t, noon, s.Time)
	}
}

func TestTickStartsStorageFromInitialState(t *testing.T) {
	battery := testDevice(device.TypeBattery, map[string]float64{
		device.PropCapacityWatthours:     13500,
		device.PropMaxChargeRateWatts:    3000,
		device.PropMaxDischargeRateWatts: 3000,
	})
	engine, states, _ := newTestEngine(t, testConfig(time.UTC), battery)

	_, err := engine.Tick(context.Background(), mustParseTime("2024-06-15T12:00:00Z"))
	assert.NoError(t, err)

	state, ok := states.Get(battery.ID)
	if assert.True(t, ok) {
		assert.Equal(t, telemetry.ModeIdle, state.Mode)
		if assert.NotNil(t, state.ChargeWatthours) {
			assert.InDelta(t, 6750, *state.ChargeWatthours, 1e-9, "battery starts at half capacity")
		}
	}
}

// TestTickDeterministic advances two independent engines with the same seed
// over the same fleet and expects identical telemetry, jitter included.
func TestTickDeterministic(t *testing.T) {
	cfg := DefaultConfig(time.UTC)
	cfg.Seed = 99
	cfg.Workers = 3

	fleet := []device.Device{
		testDevice(device.TypeSolarPanel, map[string]float64{device.PropRatedCapacityWatts: 4000}),
		testDevice(device.TypeAppliance, map[string]float64{device.PropAvgPowerDrawWatts: 900}),
		testDevice(device.TypeAppliance, map[string]float64{device.PropAvgPowerDrawWatts: 1200}),
		testDevice(device.TypeBattery, map[string]float64{
			device.PropCapacityWatthours:     10000,
			device.PropMaxChargeRateWatts:    2000,
			device.PropMaxDischargeRateWatts: 2000,
		}),
	}

	run := func() []telemetry.Sample {
		engine, _, log := newTestEngine(t, cfg, fleet...)
		now := mustParseTime("2024-06-15T09:00:00Z")
		for i := 0; i < 5; i++ {
			_, err := engine.Tick(context.Background(), now)
			assert.NoError(t, err)
			now = now.Add(time.Minute)
		}
		samples := log.all()
		sort.Slice(samples, func(i, j int) bool {
			if !samples[i].Time.Equal(samples[j].Time) {
				return samples[i].Time.Before(samples[j].Time)
			}
			return samples[i].DeviceID.String() < samples[j].DeviceID.String()
		})
		return samples
	}

	assert.Equal(t, run(), run())
}

// TestTickIsolatesDeviceFailure registers a battery with a broken properties
// bag alongside a healthy panel: the panel must still advance.
func TestTickIsolatesDeviceFailure(t *testing.T) {
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	broken := testDevice(device.TypeBattery, map[string]float64{
		device.PropCapacityWatthours: 13500,
		// charge and discharge rates missing
	})
	engine, states, log := newTestEngine(t, testConfig(time.UTC), panel, broken)

	report, err := engine.Tick(context.Background(), mustParseTime("2024-06-15T12:00:00Z"))
	assert.NoError(t, err)
	assert.Equal(t, 2, report.Devices)
	assert.Equal(t, 1, report.Samples)

	if assert.Len(t, report.Errors, 1) {
		assert.Equal(t, broken.ID, report.Errors[0].DeviceID)
		assert.ErrorContains(t, report.Errors[0], device.PropMaxChargeRateWatts)
	}

	_, ok := states.Get(panel.ID)
	assert.True(t, ok, "healthy device advanced")
	_, ok = states.Get(broken.ID)
	assert.False(t, ok, "failed device keeps no state")
	assert.Equal(t, 1, log.count(), "only the healthy device was logged")
}

// TestTickAppendFailureLeavesStateUntouched drives the log-before-state
// ordering: if the history append fails, the state store must not move.
func TestTickAppendFailureLeavesStateUntouched(t *testing.T) {
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	engine, states, log := newTestEngine(t, testConfig(time.UTC), panel)
	log.appendErr = history.ErrStorageUnavailable

	report, err := engine.Tick(context.Background(), mustParseTime("2024-06-15T12:00:00Z"))
	assert.NoError(t, err)
	assert.Equal(t, 0, report.Samples)
	if assert.Len(t, report.Errors, 1) {
		assert.Equal(t, panel.ID, report.Errors[0].DeviceID)
		assert.ErrorIs(t, report.Errors[0], history.ErrStorageUnavailable)
	}
	_, ok := states.Get(panel.ID)
	assert.False(t, ok, "state must not run ahead of the log")

	// the backend recovers and the next tick goes through
	log.appendErr = nil
	report, err = engine.Tick(context.Background(), mustParseTime("2024-06-15T12:01:00Z"))
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Samples)
	_, ok = states.Get(panel.ID)
	assert.True(t, ok)
}

func TestTickAllDevicesSampledExactlyOnce(t *testing.T) {
	cfg := testConfig(time.UTC)
	cfg.Workers = 4

	var fleet []device.Device
	for i := 0; i < 40; i++ {
		fleet = append(fleet, testDevice(device.TypeAppliance, map[string]float64{
			device.PropAvgPowerDrawWatts: float64(100 + i),
		}))
	}
	for i := 0; i < 8; i++ {
		fleet = append(fleet, testDevice(device.TypeBattery, map[string]float64{
			device.PropCapacityWatthours:     10000,
			device.PropMaxChargeRateWatts:    2000,
			device.PropMaxDischargeRateWatts: 2000,
		}))
	}
	engine, states, log := newTestEngine(t, cfg, fleet...)

	report, err := engine.Tick(context.Background(), mustParseTime("2024-06-15T12:00:00Z"))
	assert.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, len(fleet), report.Samples)

	seen := make(map[uuid.UUID]int)
	for _, s := range log.all() {
		seen[s.DeviceID]++
	}
	assert.Len(t, seen, len(fleet))
	for id, n := range seen {
		assert.Equal(t, 1, n, "device %s sampled more than once", id)
	}
	assert.Equal(t, len(fleet), states.Len())
}

func TestTickSkipsInactiveDevices(t *testing.T) {
	active := testDevice(device.TypeAppliance, map[string]float64{device.PropAvgPowerDrawWatts: 500})
	inactive := testDevice(device.TypeAppliance, map[string]float64{device.PropAvgPowerDrawWatts: 500})
	inactive.Active = false

	engine, states, _ := newTestEngine(t, testConfig(time.UTC), active, inactive)

	report, err := engine.Tick(context.Background(), mustParseTime("2024-06-15T12:00:00Z"))
	assert.NoError(t, err)
	assert.Equal(t, 1, report.Devices)
	_, ok := states.Get(inactive.ID)
	assert.False(t, ok)
}

func TestTickCancelledContext(t *testing.T) {
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	engine, _, log := newTestEngine(t, testConfig(time.UTC), panel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Tick(ctx, mustParseTime("2024-06-15T12:00:00Z"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, log.count())
}

func TestSetStorageMode(t *testing.T) {
	battery := testDevice(device.TypeBattery, map[string]float64{
		device.PropCapacityWatthours:     13500,
		device.PropMaxChargeRateWatts:    3000,
		device.PropMaxDischargeRateWatts: 2500,
	})
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	retired := testDevice(device.TypeBattery, map[string]float64{
		device.PropCapacityWatthours:     10000,
		device.PropMaxChargeRateWatts:    2000,
		device.PropMaxDischargeRateWatts: 2000,
	})
	retired.Active = false

	engine, states, _ := newTestEngine(t, testConfig(time.UTC), battery, panel, retired)

	ctx := context.Background()

	t.Run("unknown device", func(t *testing.T) {
		_, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{DeviceID: uuid.New(), Mode: telemetry.ModeCharging})
		var unknownErr *device.UnknownDeviceError
		assert.ErrorAs(t, err, &unknownErr)
	})

	t.Run("inactive device", func(t *testing.T) {
		_, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{DeviceID: retired.ID, Mode: telemetry.ModeCharging})
		var unknownErr *device.UnknownDeviceError
		if assert.ErrorAs(t, err, &unknownErr) {
			assert.Equal(t, retired.ID, unknownErr.ID)
		}
	})

	t.Run("non storage device", func(t *testing.T) {
		_, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{DeviceID: panel.ID, Mode: telemetry.ModeCharging})
		var validationErr *device.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{DeviceID: battery.ID, Mode: "turbo"})
		var validationErr *device.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("non positive rate", func(t *testing.T) {
		_, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{
			DeviceID:  battery.ID,
			Mode:      telemetry.ModeCharging,
			RateWatts: pointerToFloat64(-100),
		})
		var validationErr *device.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	})

	t.Run("mode applies from next tick", func(t *testing.T) {
		state, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{
			DeviceID:  battery.ID,
			Mode:      telemetry.ModeCharging,
			RateWatts: pointerToFloat64(2000),
		})
		assert.NoError(t, err)
		assert.Equal(t, telemetry.ModeCharging, state.Mode)
		assert.Equal(t, 2000.0, state.TargetRateWatts)

		_, err = engine.Tick(ctx, mustParseTime("2024-06-15T12:00:00Z"))
		assert.NoError(t, err)
		ticked, ok := states.Get(battery.ID)
		if assert.True(t, ok) {
			assert.Equal(t, -2000.0, ticked.PowerWatts)
			assert.Equal(t, telemetry.ModeCharging, ticked.Mode)
		}
	})

	t.Run("rate capped at device maximum", func(t *testing.T) {
		state, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{
			DeviceID:  battery.ID,
			Mode:      telemetry.ModeDischarging,
			RateWatts: pointerToFloat64(9000),
		})
		assert.NoError(t, err)
		assert.Equal(t, 2500.0, state.TargetRateWatts)
	})

	t.Run("idle clears the commanded rate", func(t *testing.T) {
		state, err := engine.SetStorageMode(ctx, telemetry.StorageCommand{
			DeviceID:  battery.ID,
			Mode:      telemetry.ModeIdle,
			RateWatts: pointerToFloat64(1000),
		})
		assert.NoError(t, err)
		assert.Equal(t, telemetry.ModeIdle, state.Mode)
		assert.Equal(t, 0.0, state.TargetRateWatts)
	})
}

// TestRunDrivesTicksUntilCancelled feeds the run loop through an injected
// tick channel, the same way the scheduler does in production.
func TestRunDrivesTicksUntilCancelled(t *testing.T) {
	panel := testDevice(device.TypeSolarPanel, map[string]float64{
		device.PropRatedCapacityWatts: 5000,
	})
	engine, _, log := newTestEngine(t, testConfig(time.UTC), panel)

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		engine.Run(ctx, ticks)
		close(done)
	}()

	ticks <- mustParseTime("2024-06-15T12:00:00Z")
	ticks <- mustParseTime("2024-06-15T12:01:00Z")

	deadline := time.After(time.Second)
	for log.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for samples, have %d", log.count())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
	assert.Equal(t, 2, log.count())
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero tick period", mutate: func(c *Config) { c.TickPeriod = 0 }},
		{name: "missing location", mutate: func(c *Config) { c.Location = nil }},
		{name: "zero curve width", mutate: func(c *Config) { c.Solar.CurveWidthHours = 0 }},
		{name: "probability above one", mutate: func(c *Config) { c.Appliance.OnProbability = 1.5 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig(time.UTC)
			c.mutate(&cfg)
			_, err := New(cfg, &staticFleet{}, statestore.New(), &memoryLog{})
			assert.Error(t, err)
		})
	}
}

func TestSimulationErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := SimulationError{DeviceID: uuid.New(), Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "boom")
}
