package simulator

import (
	"fmt"
	"time"

	timeutils "github.com/cepro/fleetsim/time_utils"
)

// Config carries the tunable parameters of the simulation engine. The zero
// value is not usable; start from DefaultConfig and override.
type Config struct {
	// TickPeriod is the simulated duration covered by one tick. Charge
	// integration on storage devices uses this, so it must match the cadence
	// the scheduler fires at.
	TickPeriod time.Duration

	// Workers bounds the tick fan-out. Zero or negative means one worker per
	// available CPU.
	Workers int

	// Seed makes the synthetic jitter and on/off draws reproducible: the same
	// seed, device and tick time always produce the same sample.
	Seed int64

	// Location is the wall-clock calendar the devices live in, used for the
	// solar day curve and the appliance busy bands.
	Location *time.Location

	Solar     SolarParams
	Appliance ApplianceParams
}

// SolarParams shape the bell curve a solar panel follows over the day.
type SolarParams struct {
	// PeakHour is the local hour of maximum output.
	PeakHour float64

	// CurveWidthHours is the Gaussian width of the output curve. The default
	// of 4 keeps output within the 10:00-14:00 window above 80% of peak.
	CurveWidthHours float64

	// JitterFraction is the span of the multiplicative weather noise, e.g.
	// 0.15 for +-15%. Zero disables jitter.
	JitterFraction float64

	// Daylight is the window outside which output is clamped to zero.
	Daylight timeutils.ClockTimePeriod
}

// ApplianceParams drive the probabilistic on/off behaviour of appliances.
type ApplianceParams struct {
	// OnProbability is the per-tick chance an appliance that is off switches
	// on, outside of any busy period.
	OnProbability float64

	// OffProbability is the per-tick chance an appliance that is on switches
	// off.
	OffProbability float64

	// JitterFraction is the span of the multiplicative draw noise while on.
	JitterFraction float64

	// BusyPeriods boost the on-probability during parts of the day, e.g.
	// mornings and evenings. The first period containing the tick time wins.
	BusyPeriods []BusyProbability
}

// BusyProbability binds a boosted on-probability to a recurring period of the
// day.
type BusyProbability struct {
	Period        timeutils.DayedPeriod
	OnProbability float64
}

// onProbabilityAt returns the appliance on-probability applicable at t: the
// first matching busy period's value, or the base probability.
func (a ApplianceParams) onProbabilityAt(t time.Time) float64 {
	for _, busy := range a.BusyPeriods {
		if busy.Period.Contains(t) {
			return busy.OnProbability
		}
	}
	return a.OnProbability
}

// DefaultConfig returns the stock simulation parameters in the given
// location: 60s ticks, solar peaking at noon with daylight 06:00-20:00, and
// appliances favouring mornings and evenings.
func DefaultConfig(loc *time.Location) Config {
	return Config{
		TickPeriod: 60 * time.Second,
		Location:   loc,
		Solar: SolarParams{
			PeakHour:        12,
			CurveWidthHours: 4,
			JitterFraction:  0.15,
			Daylight: timeutils.ClockTimePeriod{
				Start: timeutils.ClockTime{Hour: 6, Location: loc},
				End:   timeutils.ClockTime{Hour: 20, Location: loc},
			},
		},
		Appliance: ApplianceParams{
			OnProbability:  0.3,
			OffProbability: 0.2,
			JitterFraction: 0.1,
			BusyPeriods: []BusyProbability{
				{
					Period: timeutils.DayedPeriod{
						ClockTimePeriod: timeutils.ClockTimePeriod{
							Start: timeutils.ClockTime{Hour: 7, Location: loc},
							End:   timeutils.ClockTime{Hour: 9, Location: loc},
						},
						Days: timeutils.AllDays,
					},
					OnProbability: 0.6,
				},
				{
					Period: timeutils.DayedPeriod{
						ClockTimePeriod: timeutils.ClockTimePeriod{
							Start: timeutils.ClockTime{Hour: 17, Location: loc},
							End:   timeutils.ClockTime{Hour: 21, Location: loc},
						},
						Days: timeutils.AllDays,
					},
					OnProbability: 0.7,
				},
			},
		},
	}
}

func (c Config) validate() error {
	if c.TickPeriod <= 0 {
		return fmt.Errorf("tick period must be positive, got %v", c.TickPeriod)
	}
	if c.Location == nil {
		return fmt.Errorf("location is required")
	}
	if c.Solar.CurveWidthHours <= 0 {
		return fmt.Errorf("solar curve width must be positive, got %v", c.Solar.CurveWidthHours)
	}
	for _, p := range []float64{c.Appliance.OnProbability, c.Appliance.OffProbability} {
		if p < 0 || p > 1 {
			return fmt.Errorf("appliance probabilities must be within [0, 1], got %v", p)
		}
	}
	return nil
}
