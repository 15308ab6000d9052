package dataplatform

import (
	"time"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/repository"
)

// supabaseSample holds the json encoding schema for a telemetry sample in supabase.
type supabaseSample struct {
	DeviceID        uuid.UUID `json:"device_id"`
	Time            time.Time `json:"time"`
	PowerWatts      float64   `json:"power_watts"`
	ChargeWatthours *float64  `json:"charge_wh,omitempty"`
	Mode            string    `json:"mode,omitempty"`
}

func supabaseSamples(rows []repository.StoredSample) ([]supabaseSample, error) {
	converted := make([]supabaseSample, 0, len(rows))
	for _, row := range rows {
		sample, err := row.Sample()
		if err != nil {
			return nil, err
		}
		converted = append(converted, supabaseSample{
			DeviceID:        sample.DeviceID,
			Time:            sample.Time,
			PowerWatts:      sample.PowerWatts,
			ChargeWatthours: sample.ChargeWatthours,
			Mode:            string(sample.Mode),
		})
	}
	return converted, nil
}
