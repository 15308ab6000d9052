package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/telemetry"
)

// model advances one device by one tick. Implementations are pure: the next
// state depends only on the device, the previous state, the tick time and the
// supplied random source.
type model interface {
	advance(d device.Device, prev telemetry.DeviceState, now time.Time, rng *rand.Rand) (telemetry.DeviceState, error)
}

// solarModel produces a Gaussian bell over the local day, peaking at
// PeakHour, with multiplicative weather jitter. Output is zero outside the
// daylight window and never exceeds the rated capacity.
type solarModel struct {
	params   SolarParams
	location *time.Location
}

func (m solarModel) advance(d device.Device, prev telemetry.DeviceState, now time.Time, rng *rand.Rand) (telemetry.DeviceState, error) {
	rated, err := propertyValue(d, device.PropRatedCapacityWatts)
	if err != nil {
		return telemetry.DeviceState{}, err
	}

	power := 0.0
	if m.params.Daylight.Contains(now) {
		hour := fractionalHour(now.In(m.location))
		offset := hour - m.params.PeakHour
		power = rated * math.Exp(-(offset*offset)/(2*m.params.CurveWidthHours*m.params.CurveWidthHours))
		power *= jitterFactor(rng, m.params.JitterFraction)
		if power < 0 {
			power = 0
		}
		if power > rated {
			power = rated
		}
	}

	next := prev.Clone()
	next.PowerWatts = power
	next.UpdatedAt = now
	return next, nil
}

// applianceModel flips between off and drawing power. The draw probability is
// sampled fresh each tick, so runs of on-ticks follow a geometric
// distribution around the configured probabilities.
type applianceModel struct {
	params ApplianceParams
}

func (m applianceModel) advance(d device.Device, prev telemetry.DeviceState, now time.Time, rng *rand.Rand) (telemetry.DeviceState, error) {
	draw, err := propertyValue(d, device.PropAvgPowerDrawWatts)
	if err != nil {
		return telemetry.DeviceState{}, err
	}

	wasOn := prev.PowerWatts < 0
	var on bool
	if wasOn {
		on = rng.Float64() > m.params.OffProbability
	} else {
		on = rng.Float64() < m.params.onProbabilityAt(now)
	}

	power := 0.0
	if on {
		power = -draw * jitterFactor(rng, m.params.JitterFraction)
		if power > 0 {
			power = 0
		}
	}

	next := prev.Clone()
	next.PowerWatts = power
	next.UpdatedAt = now
	return next, nil
}

// storageModel runs the charging/discharging/idle machine for batteries and
// EVs. The rate is capped three ways: the device maximum for the current
// mode, any commanded target rate, and the rate that would exactly hit the
// charge bound within this tick. Hitting a bound drops the device to idle and
// clears the commanded rate.
type storageModel struct {
	tick time.Duration
}

func (m storageModel) advance(d device.Device, prev telemetry.DeviceState, now time.Time, rng *rand.Rand) (telemetry.DeviceState, error) {
	capacity, err := propertyValue(d, device.PropCapacityWatthours)
	if err != nil {
		return telemetry.DeviceState{}, err
	}
	maxCharge, err := propertyValue(d, device.PropMaxChargeRateWatts)
	if err != nil {
		return telemetry.DeviceState{}, err
	}
	maxDischarge, err := propertyValue(d, device.PropMaxDischargeRateWatts)
	if err != nil {
		return telemetry.DeviceState{}, err
	}

	charge := 0.0
	if prev.ChargeWatthours != nil {
		charge = *prev.ChargeWatthours
	}
	mode := prev.Mode
	if mode == "" {
		mode = telemetry.ModeIdle
	}
	target := prev.TargetRateWatts
	tickHours := m.tick.Hours()

	power := 0.0
	switch mode {
	case telemetry.ModeCharging:
		rate := effectiveRate(maxCharge, target)
		if tickHours > 0 {
			rate = math.Min(rate, (capacity-charge)/tickHours)
		}
		if rate < 0 {
			rate = 0
		}
		power = -rate
		charge += rate * tickHours
		if charge >= capacity {
			charge = capacity
			mode = telemetry.ModeIdle
			target = 0
		}
	case telemetry.ModeDischarging:
		rate := effectiveRate(maxDischarge, target)
		if tickHours > 0 {
			rate = math.Min(rate, charge/tickHours)
		}
		if rate < 0 {
			rate = 0
		}
		power = rate
		charge -= rate * tickHours
		if charge <= 0 {
			charge = 0
			mode = telemetry.ModeIdle
			target = 0
		}
	case telemetry.ModeIdle:
	default:
		return telemetry.DeviceState{}, fmt.Errorf("device %s has unknown storage mode %q", d.ID, mode)
	}

	next := prev.Clone()
	next.PowerWatts = power
	next.ChargeWatthours = &charge
	next.Mode = mode
	next.TargetRateWatts = target
	next.UpdatedAt = now
	return next, nil
}

// effectiveRate applies the commanded rate cap, where zero means the device
// maximum.
func effectiveRate(deviceMax, target float64) float64 {
	if target > 0 {
		return math.Min(target, deviceMax)
	}
	return deviceMax
}

// jitterFactor draws a multiplicative noise factor from [1-fraction,
// 1+fraction]. A fraction of zero disables jitter entirely.
func jitterFactor(rng *rand.Rand, fraction float64) float64 {
	if fraction <= 0 {
		return 1
	}
	return 1 + (rng.Float64()*2-1)*fraction
}

// fractionalHour returns the local time of day as a fractional hour, so that
// 13:30 becomes 13.5.
func fractionalHour(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

func propertyValue(d device.Device, key string) (float64, error) {
	v, ok := d.Property(key)
	if !ok {
		return 0, fmt.Errorf("device %s (%s) has no %s property", d.ID, d.Type, key)
	}
	return v, nil
}
