package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/statestore"
	"github.com/cepro/fleetsim/telemetry"
)

// Store persists device rows. Implementations return ErrNotFound when a
// lookup misses.
type Store interface {
	InsertDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (Device, error)
	ListDevices(ctx context.Context, f Filter) ([]Device, error)
	UpdateDeviceActive(ctx context.Context, id uuid.UUID, active bool, updatedAt time.Time) error
}

// Filter narrows List results.
type Filter struct {
	Type       *Type
	ActiveOnly bool
}

// RegisterDevice is the payload for Registry.Register.
type RegisterDevice struct {
	Name        string
	Description string
	Type        Type
	Properties  map[string]float64
}

// Registry manages the fleet: registration, lookup and lifecycle. It owns the
// relationship between persisted device rows and their in-memory states.
type Registry struct {
	store  Store
	states *statestore.Store
	logger *slog.Logger
}

func NewRegistry(store Store, states *statestore.Store) *Registry {
	return &Registry{
		store:  store,
		states: states,
		logger: slog.Default().With("component", "registry"),
	}
}

// Register validates and persists a new device, then seeds its initial state.
// Registration is all-or-nothing: a device that fails to persist leaves no
// state behind.
func (r *Registry) Register(ctx context.Context, req RegisterDevice) (Device, error) {
	if err := validate(req); err != nil {
		return Device{}, err
	}

	now := time.Now().UTC()
	d := Device{
		ID:          uuid.New(),
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		Properties:  cloneProperties(req.Properties),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.InsertDevice(ctx, d); err != nil {
		return Device{}, fmt.Errorf("insert device: %w", err)
	}
	r.states.Put(InitialState(d, now))

	r.logger.Info("Registered device", "device_id", d.ID, "device_type", d.Type, "name", d.Name)
	return d, nil
}

// Get returns the device with the given id, active or not.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Device, error) {
	d, err := r.store.GetDevice(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Device{}, &UnknownDeviceError{ID: id}
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// List returns devices matching the filter, ordered by creation time.
func (r *Registry) List(ctx context.Context, f Filter) ([]Device, error) {
	devices, err := r.store.ListDevices(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Deactivate takes a device out of simulation. Its identity and telemetry
// history remain, but it no longer ticks, appears in summaries or accepts
// commands. Deactivating an already inactive device is a no-op.
func (r *Registry) Deactivate(ctx context.Context, id uuid.UUID) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !d.Active {
		return nil
	}

	if err := r.store.UpdateDeviceActive(ctx, id, false, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate device: %w", err)
	}
	r.states.Remove(id)

	r.logger.Info("Deactivated device", "device_id", id, "name", d.Name)
	return nil
}

// WarmStates rebuilds the state store from the latest logged sample per
// active device. Devices that have never produced a sample fall back to
// their initial state.
func (r *Registry) WarmStates(ctx context.Context, latest map[uuid.UUID]telemetry.Sample) error {
	devices, err := r.store.ListDevices(ctx, Filter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	now := time.Now().UTC()
	warmed := 0
	for _, d := range devices {
		if s, ok := latest[d.ID]; ok {
			r.states.Put(telemetry.StateFromSample(s))
			warmed++
			continue
		}
		r.states.Put(InitialState(d, now))
	}

	r.logger.Info("Warmed device states", "devices", len(devices), "from_log", warmed)
	return nil
}

// initialChargeFraction is the fill level a storage device starts out with,
// as a fraction of its capacity.
var initialChargeFraction = map[Type]float64{
	TypeBattery:         0.5,
	TypeElectricVehicle: 0.8,
}

// InitialState is the state a device holds before its first simulation tick:
// zero power, and for storage devices an idle mode with the type's starting
// fill level.
func InitialState(d Device, now time.Time) telemetry.DeviceState {
	state := telemetry.DeviceState{
		DeviceID:  d.ID,
		UpdatedAt: now,
	}
	if d.Type.IsStorage() {
		capacity, _ := d.Property(PropCapacityWatthours)
		charge := capacity * initialChargeFraction[d.Type]
		state.ChargeWatthours = &charge
		state.Mode = telemetry.ModeIdle
	}
	return state
}

func validate(req RegisterDevice) error {
	verr := &ValidationError{}

	if strings.TrimSpace(req.Name) == "" {
		verr.Missing = append(verr.Missing, "name")
	}
	if !req.Type.Valid() {
		verr.Invalid = append(verr.Invalid, fmt.Sprintf("device type %q", req.Type))
	} else {
		for _, key := range requiredProperties[req.Type] {
			if _, ok := req.Properties[key]; !ok {
				verr.Missing = append(verr.Missing, key)
			}
		}
	}
	for key, v := range req.Properties {
		if v < 0 {
			verr.Invalid = append(verr.Invalid, fmt.Sprintf("property %s must not be negative", key))
		}
	}
	sort.Strings(verr.Invalid)

	if verr.isEmpty() {
		return nil
	}
	return verr
}

func cloneProperties(props map[string]float64) map[string]float64 {
	cloned := make(map[string]float64, len(props))
	for k, v := range props {
		cloned[k] = v
	}
	return cloned
}
