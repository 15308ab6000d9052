// Package energy computes instantaneous fleet-wide power summaries from the
// latest device states. It never touches the telemetry history: summaries
// cost one state read per active device.
package energy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/statestore"
	"github.com/cepro/fleetsim/telemetry"
)

// DeviceLister yields the active fleet, usually the device registry.
type DeviceLister interface {
	List(ctx context.Context, f device.Filter) ([]device.Device, error)
}

// Summary is a point-in-time view of the fleet's power flows.
type Summary struct {
	// TotalProducedWatts sums the power of every device currently feeding
	// the home, including discharging storage.
	TotalProducedWatts float64

	// TotalConsumedWatts sums the magnitude of every draw, including
	// charging storage.
	TotalConsumedWatts float64

	// NetWatts is produced minus consumed. Positive means the fleet is
	// exporting, negative importing.
	NetWatts float64

	ActiveDevices int

	// Storage holds one entry per active storage device, in fleet order.
	Storage []StorageStatus

	GeneratedAt time.Time
}

// StorageStatus reports the fill level of one battery or EV.
type StorageStatus struct {
	DeviceID          uuid.UUID
	Name              string
	Type              device.Type
	CapacityWatthours float64
	ChargeWatthours   float64
	ChargePercent     float64
	Mode              telemetry.Mode
}

// Aggregator builds summaries from the registry's active fleet and the state
// store.
type Aggregator struct {
	devices DeviceLister
	states  *statestore.Store
}

func NewAggregator(devices DeviceLister, states *statestore.Store) *Aggregator {
	return &Aggregator{
		devices: devices,
		states:  states,
	}
}

// Summarize walks the active fleet once and folds the latest state of each
// device into the totals. Devices that have not produced a state yet are
// counted as active but contribute nothing.
func (a *Aggregator) Summarize(ctx context.Context) (Summary, error) {
	devices, err := a.devices.List(ctx, device.Filter{ActiveOnly: true})
	if err != nil {
		return Summary{}, fmt.Errorf("list active devices: %w", err)
	}

	summary := Summary{
		ActiveDevices: len(devices),
		GeneratedAt:   time.Now().UTC(),
	}
	for _, d := range devices {
		state, ok := a.states.Get(d.ID)
		if !ok {
			continue
		}

		switch {
		case state.PowerWatts > 0:
			summary.TotalProducedWatts += state.PowerWatts
		case state.PowerWatts < 0:
			summary.TotalConsumedWatts += -state.PowerWatts
		}

		if d.Type.IsStorage() {
			summary.Storage = append(summary.Storage, storageStatus(d, state))
		}
	}
	summary.NetWatts = summary.TotalProducedWatts - summary.TotalConsumedWatts
	return summary, nil
}

func storageStatus(d device.Device, state telemetry.DeviceState) StorageStatus {
	capacity, _ := d.Property(device.PropCapacityWatthours)
	charge := 0.0
	if state.ChargeWatthours != nil {
		charge = *state.ChargeWatthours
	}
	percent := 0.0
	if capacity > 0 {
		percent = charge / capacity * 100
	}
	return StorageStatus{
		DeviceID:          d.ID,
		Name:              d.Name,
		Type:              d.Type,
		CapacityWatthours: capacity,
		ChargeWatthours:   charge,
		ChargePercent:     percent,
		Mode:              state.Mode,
	}
}
