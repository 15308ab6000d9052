package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/telemetry"
)

// StoredDevice is the persisted device row. The type-specific properties bag
// is serialized to a JSON column, the registry validates it before it gets
// here.
type StoredDevice struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	Description string
	Type        string
	Properties  string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func newStoredDevice(d device.Device) (StoredDevice, error) {
	props, err := json.Marshal(d.Properties)
	if err != nil {
		return StoredDevice{}, fmt.Errorf("marshal device properties: %w", err)
	}
	return StoredDevice{
		ID:          d.ID.String(),
		Name:        d.Name,
		Description: d.Description,
		Type:        string(d.Type),
		Properties:  string(props),
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

// Device converts the row back to the domain type.
func (s StoredDevice) Device() (device.Device, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return device.Device{}, fmt.Errorf("parse device id %q: %w", s.ID, err)
	}
	var props map[string]float64
	if s.Properties != "" {
		if err := json.Unmarshal([]byte(s.Properties), &props); err != nil {
			return device.Device{}, fmt.Errorf("unmarshal properties of device %s: %w", s.ID, err)
		}
	}
	return device.Device{
		ID:          id,
		Name:        s.Name,
		Description: s.Description,
		Type:        device.Type(s.Type),
		Properties:  props,
		Active:      s.Active,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}, nil
}

// StoredSample is a raw telemetry row in the hot tier, keyed by device and
// unix second so that re-appending the same tick is a no-op. The upload
// bookkeeping columns track delivery to the data platform and never affect
// aggregation.
type StoredSample struct {
	DeviceID           string `gorm:"primaryKey"`
	Ts                 int64  `gorm:"primaryKey;index"`
	PowerWatts         float64
	ChargeWatthours    *float64
	Mode               string
	Uploaded           bool
	UploadAttemptCount uint
}

func newStoredSample(s telemetry.Sample) StoredSample {
	row := StoredSample{
		DeviceID:   s.DeviceID.String(),
		Ts:         s.Time.UTC().Unix(),
		PowerWatts: s.PowerWatts,
		Mode:       string(s.Mode),
	}
	if s.ChargeWatthours != nil {
		charge := *s.ChargeWatthours
		row.ChargeWatthours = &charge
	}
	return row
}

// Sample converts the row back to the domain type.
func (s StoredSample) Sample() (telemetry.Sample, error) {
	id, err := uuid.Parse(s.DeviceID)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("parse device id %q: %w", s.DeviceID, err)
	}
	sample := telemetry.Sample{
		DeviceID:   id,
		Time:       time.Unix(s.Ts, 0).UTC(),
		PowerWatts: s.PowerWatts,
		Mode:       telemetry.Mode(s.Mode),
	}
	if s.ChargeWatthours != nil {
		charge := *s.ChargeWatthours
		sample.ChargeWatthours = &charge
	}
	return sample, nil
}

// RollupRow carries the composable statistics of one closed bucket: sums and
// counts rather than averages, so rollups fold exactly into coarser buckets.
type RollupRow struct {
	DeviceID    string `gorm:"primaryKey"`
	BucketStart int64  `gorm:"primaryKey;index"`
	SampleCount int64
	SumPower    float64
	MinPower    float64
	MaxPower    float64
	ChargeCount int64
	SumCharge   float64
}

// HourlyRollup holds one device-hour of folded raw samples.
type HourlyRollup struct {
	RollupRow
}

// DailyRollup holds one device-day of folded hourly rollups, aligned to local
// midnight.
type DailyRollup struct {
	RollupRow
}

// MonthlyRollup holds one device-month of folded daily rollups. Monthly rows
// are never expired.
type MonthlyRollup struct {
	RollupRow
}

// mergeInto folds r into acc, adding sums and counts and widening the bounds.
func (r RollupRow) mergeInto(acc *RollupRow) {
	if acc.SampleCount == 0 || r.MinPower < acc.MinPower {
		acc.MinPower = r.MinPower
	}
	if acc.SampleCount == 0 || r.MaxPower > acc.MaxPower {
		acc.MaxPower = r.MaxPower
	}
	acc.SampleCount += r.SampleCount
	acc.SumPower += r.SumPower
	acc.ChargeCount += r.ChargeCount
	acc.SumCharge += r.SumCharge
}
