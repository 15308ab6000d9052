package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cepro/fleetsim/simulator"
	timeutils "github.com/cepro/fleetsim/time_utils"
)

// EngineConfig converts the JSON-shaped simulation settings into the
// simulator's native form, resolving "HH:MM" strings against loc.
func (s SimulationConfig) EngineConfig(loc *time.Location) (simulator.Config, error) {
	daylightStart, err := parseClockTime(s.Solar.DaylightStart, loc)
	if err != nil {
		return simulator.Config{}, fmt.Errorf("daylight start: %w", err)
	}
	daylightEnd, err := parseClockTime(s.Solar.DaylightEnd, loc)
	if err != nil {
		return simulator.Config{}, fmt.Errorf("daylight end: %w", err)
	}

	busy := make([]simulator.BusyProbability, 0, len(s.Appliance.BusyPeriods))
	for _, period := range s.Appliance.BusyPeriods {
		start, err := parseClockTime(period.Start, loc)
		if err != nil {
			return simulator.Config{}, fmt.Errorf("busy period start: %w", err)
		}
		end, err := parseClockTime(period.End, loc)
		if err != nil {
			return simulator.Config{}, fmt.Errorf("busy period end: %w", err)
		}
		busy = append(busy, simulator.BusyProbability{
			Period: timeutils.DayedPeriod{
				ClockTimePeriod: timeutils.ClockTimePeriod{Start: start, End: end},
				Days:            period.Days,
			},
			OnProbability: period.OnProbability,
		})
	}

	return simulator.Config{
		TickPeriod: time.Duration(s.TickPeriodSecs) * time.Second,
		Workers:    s.Workers,
		Seed:       s.Seed,
		Location:   loc,
		Solar: simulator.SolarParams{
			PeakHour:        s.Solar.PeakHour,
			CurveWidthHours: s.Solar.CurveWidthHours,
			JitterFraction:  s.Solar.JitterFraction,
			Daylight: timeutils.ClockTimePeriod{
				Start: daylightStart,
				End:   daylightEnd,
			},
		},
		Appliance: simulator.ApplianceParams{
			OnProbability:  s.Appliance.OnProbability,
			OffProbability: s.Appliance.OffProbability,
			JitterFraction: s.Appliance.JitterFraction,
			BusyPeriods:    busy,
		},
	}, nil
}

// parseClockTime reads a wall clock string of the form "HH:MM" or "HH:MM:SS".
func parseClockTime(s string, loc *time.Location) (timeutils.ClockTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return timeutils.ClockTime{}, fmt.Errorf("parse clock time %q: want HH:MM or HH:MM:SS", s)
	}

	fields := make([]int, 3)
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return timeutils.ClockTime{}, fmt.Errorf("parse clock time %q: %w", s, err)
		}
		fields[i] = value
	}

	if fields[0] < 0 || fields[0] > 23 || fields[1] < 0 || fields[1] > 59 || fields[2] < 0 || fields[2] > 59 {
		return timeutils.ClockTime{}, fmt.Errorf("parse clock time %q: out of range", s)
	}

	return timeutils.ClockTime{
		Hour:     fields[0],
		Minute:   fields[1],
		Second:   fields[2],
		Location: loc,
	}, nil
}
