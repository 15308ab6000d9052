package simulator

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/statestore"
	"github.com/cepro/fleetsim/telemetry"
)

// DeviceLister is the slice of the registry the engine needs: the active
// fleet for ticking and single lookups for commands.
type DeviceLister interface {
	List(ctx context.Context, f device.Filter) ([]device.Device, error)
	Get(ctx context.Context, id uuid.UUID) (device.Device, error)
}

// Engine advances the fleet one tick at a time. Each tick reads the previous
// state of every active device, applies the device type's model, appends the
// resulting samples to the history store and only then publishes the new
// states. Ticks and storage commands are serialized, so a device's state is
// only ever written from one place at a time.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	devices DeviceLister
	states  *statestore.Store
	log     history.Store
	models  map[device.Type]model
	logger  *slog.Logger
}

func New(cfg Config, devices DeviceLister, states *statestore.Store, log history.Store) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("simulator config: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	return &Engine{
		cfg:     cfg,
		devices: devices,
		states:  states,
		log:     log,
		models: map[device.Type]model{
			device.TypeSolarPanel:      solarModel{params: cfg.Solar, location: cfg.Location},
			device.TypeAppliance:       applianceModel{params: cfg.Appliance},
			device.TypeBattery:         storageModel{tick: cfg.TickPeriod},
			device.TypeElectricVehicle: storageModel{tick: cfg.TickPeriod},
		},
		logger: slog.Default().With("component", "simulator"),
	}, nil
}

// SimulationError reports the failure of a single device within a tick.
type SimulationError struct {
	DeviceID uuid.UUID
	Err      error
}

func (e SimulationError) Error() string {
	return fmt.Sprintf("device %s: %v", e.DeviceID, e.Err)
}

func (e SimulationError) Unwrap() error {
	return e.Err
}

// TickReport summarises one tick: how many devices were due, how many samples
// made it into the log, and which devices failed.
type TickReport struct {
	At      time.Time
	Devices int
	Samples int
	Errors  []SimulationError
}

// Tick advances every active device once, using now as the simulation time.
// Device failures are isolated: a device with malformed properties is
// reported in the TickReport and the rest of the fleet still advances. The
// returned error is reserved for whole-tick failures such as the registry
// being unreachable or the context ending.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	devices, err := e.devices.List(ctx, device.Filter{ActiveOnly: true})
	if err != nil {
		return TickReport{At: now}, fmt.Errorf("list active devices: %w", err)
	}

	report := TickReport{At: now, Devices: len(devices)}
	if len(devices) == 0 {
		return report, nil
	}

	workers := e.cfg.Workers
	if workers > len(devices) {
		workers = len(devices)
	}
	partitions := make([][]device.Device, workers)
	for _, d := range devices {
		p := partitionOf(d.ID, workers)
		partitions[p] = append(partitions[p], d)
	}

	results := make([]partitionResult, workers)
	var wg sync.WaitGroup
	for i := range partitions {
		if len(partitions[i]) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.advancePartition(ctx, partitions[i], now)
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		report.Samples += res.samples
		report.Errors = append(report.Errors, res.errors...)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

type partitionResult struct {
	samples int
	errors  []SimulationError
}

// advancePartition computes the next state for each device in the partition,
// appends the batch to the log and then swaps the states in. The log write
// comes first so the state store never runs ahead of the history: state is a
// cache of the log's newest entry and must stay rebuildable from it.
func (e *Engine) advancePartition(ctx context.Context, devices []device.Device, now time.Time) partitionResult {
	var res partitionResult

	next := make([]telemetry.DeviceState, 0, len(devices))
	samples := make([]telemetry.Sample, 0, len(devices))
	for _, d := range devices {
		if ctx.Err() != nil {
			return res
		}

		m, ok := e.models[d.Type]
		if !ok {
			res.errors = append(res.errors, SimulationError{DeviceID: d.ID, Err: fmt.Errorf("no model for device type %q", d.Type)})
			continue
		}
		prev, ok := e.states.Get(d.ID)
		if !ok {
			prev = device.InitialState(d, now)
		}

		state, err := m.advance(d, prev, now, e.deviceRand(d.ID, now))
		if err != nil {
			res.errors = append(res.errors, SimulationError{DeviceID: d.ID, Err: err})
			continue
		}
		state.DeviceID = d.ID
		state.UpdatedAt = now
		next = append(next, state)
		samples = append(samples, telemetry.SampleFromState(state))
	}

	if len(samples) == 0 {
		return res
	}
	if err := e.log.AppendSamples(ctx, samples); err != nil {
		for _, s := range next {
			res.errors = append(res.errors, SimulationError{DeviceID: s.DeviceID, Err: fmt.Errorf("append samples: %w", err)})
		}
		return res
	}
	for _, s := range next {
		e.states.Put(s)
	}
	res.samples = len(samples)
	return res
}

// SetStorageMode commands a storage device into a mode, optionally capping
// its charge or discharge rate. Rates above the device maximum are capped to
// it. The new mode takes effect from the next tick; the returned state
// reflects the accepted command.
func (e *Engine) SetStorageMode(ctx context.Context, cmd telemetry.StorageCommand) (telemetry.DeviceState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.devices.Get(ctx, cmd.DeviceID)
	if err != nil {
		return telemetry.DeviceState{}, err
	}
	if !d.Active {
		return telemetry.DeviceState{}, &device.UnknownDeviceError{ID: cmd.DeviceID}
	}
	if !d.Type.IsStorage() {
		return telemetry.DeviceState{}, &device.ValidationError{
			Invalid: []string{fmt.Sprintf("device type %s does not store energy", d.Type)},
		}
	}
	if !cmd.Mode.Valid() {
		return telemetry.DeviceState{}, &device.ValidationError{
			Invalid: []string{fmt.Sprintf("storage mode %q", cmd.Mode)},
		}
	}
	if cmd.RateWatts != nil && *cmd.RateWatts <= 0 {
		return telemetry.DeviceState{}, &device.ValidationError{
			Invalid: []string{"rate watts must be positive"},
		}
	}

	target := 0.0
	if cmd.RateWatts != nil && cmd.Mode != telemetry.ModeIdle {
		target = *cmd.RateWatts
		limit := 0.0
		switch cmd.Mode {
		case telemetry.ModeCharging:
			limit, _ = d.Property(device.PropMaxChargeRateWatts)
		case telemetry.ModeDischarging:
			limit, _ = d.Property(device.PropMaxDischargeRateWatts)
		}
		if target > limit {
			target = limit
		}
	}

	prev, ok := e.states.Get(cmd.DeviceID)
	if !ok {
		prev = device.InitialState(d, time.Now().UTC())
	}
	state := prev.Clone()
	state.Mode = cmd.Mode
	state.TargetRateWatts = target
	state.UpdatedAt = time.Now().UTC()
	e.states.Put(state)

	e.logger.Info("Storage mode set", "device_id", cmd.DeviceID, "mode", cmd.Mode, "target_rate_watts", target)
	return state.Clone(), nil
}

// Run ticks the engine every time the ticks channel fires, until the context
// ends. The channel is injected so tests can drive simulated time.
func (e *Engine) Run(ctx context.Context, ticks <-chan time.Time) {
	e.logger.Info("Simulation engine running", "workers", e.cfg.Workers, "tick_period", e.cfg.TickPeriod)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Simulation engine stopped")
			return
		case t := <-ticks:
			report, err := e.Tick(ctx, t.UTC())
			if err != nil {
				e.logger.Error("Tick failed", "error", err)
				continue
			}
			for _, devErr := range report.Errors {
				e.logger.Error("Device tick failed", "device_id", devErr.DeviceID, "error", devErr.Err)
			}
			e.logger.Debug("Tick complete", "at", report.At, "devices", report.Devices, "samples", report.Samples)
		}
	}
}

func (e *Engine) deviceRand(id uuid.UUID, now time.Time) *rand.Rand {
	h := fnv.New64a()
	h.Write(id[:])
	return rand.New(rand.NewSource(e.cfg.Seed ^ int64(h.Sum64()) ^ now.UnixNano()))
}

// partitionOf assigns a device to a worker by hashing its id, so the same
// device always lands on the same worker within a tick.
func partitionOf(id uuid.UUID, workers int) int {
	h := fnv.New32a()
	h.Write(id[:])
	return int(h.Sum32() % uint32(workers))
}
