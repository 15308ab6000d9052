package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Mode describes what a storage device is currently doing with its charge.
// Devices without storage capability leave the mode empty.
type Mode string

const (
	ModeCharging    Mode = "charging"
	ModeDischarging Mode = "discharging"
	ModeIdle        Mode = "idle"
)

// Valid returns true if the mode is one of the known storage modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeCharging, ModeDischarging, ModeIdle:
		return true
	}
	return false
}

// Sample holds one telemetry point produced by a device at a simulation tick.
// Samples are append-only and identified by (DeviceID, Time): writing the
// same key twice leaves the first value in place.
type Sample struct {
	DeviceID uuid.UUID
	Time     time.Time

	// PowerWatts is positive when the device feeds the home (production,
	// storage discharge) and negative when it draws from it (consumption,
	// storage charge).
	PowerWatts float64

	// ChargeWatthours is the stored energy after this tick. Nil for devices
	// without storage capability.
	ChargeWatthours *float64

	Mode Mode
}

// DeviceState is the latest known state of a device. It is owned by the
// simulation engine: only the engine writes it, everything else reads
// snapshots.
type DeviceState struct {
	DeviceID        uuid.UUID
	PowerWatts      float64
	ChargeWatthours *float64
	Mode            Mode

	// TargetRateWatts caps the charge/discharge rate of a storage device.
	// Zero means "use the device maximum for the current mode".
	TargetRateWatts float64

	UpdatedAt time.Time
}

// Clone returns a copy of the state that shares no memory with the original.
func (s DeviceState) Clone() DeviceState {
	s.ChargeWatthours = cloneFloat(s.ChargeWatthours)
	return s
}

// StorageCommand asks a storage device to switch mode, optionally capping the
// rate it charges or discharges at.
type StorageCommand struct {
	DeviceID  uuid.UUID
	Mode      Mode
	RateWatts *float64
}

// StateFromSample rebuilds a device state from a logged sample. The commanded
// rate cap is not recorded in the log, so a rebuilt state reverts to the
// device maximum.
func StateFromSample(s Sample) DeviceState {
	return DeviceState{
		DeviceID:        s.DeviceID,
		PowerWatts:      s.PowerWatts,
		ChargeWatthours: cloneFloat(s.ChargeWatthours),
		Mode:            s.Mode,
		UpdatedAt:       s.Time,
	}
}

// SampleFromState snapshots a freshly computed state as an append-only log
// record, timestamped with the tick that produced it.
func SampleFromState(s DeviceState) Sample {
	return Sample{
		DeviceID:        s.DeviceID,
		Time:            s.UpdatedAt,
		PowerWatts:      s.PowerWatts,
		ChargeWatthours: cloneFloat(s.ChargeWatthours),
		Mode:            s.Mode,
	}
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
