package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/history"
	timeutils "github.com/cepro/fleetsim/time_utils"
)

const (
	BackendSQLite   = "sqlite"
	BackendInfluxDB = "influxdb"
)

type SolarConfig struct {
	PeakHour        float64 `json:"peakHour"`
	CurveWidthHours float64 `json:"curveWidthHours"`
	JitterFraction  float64 `json:"jitterFraction"`
	DaylightStart   string  `json:"daylightStart"`
	DaylightEnd     string  `json:"daylightEnd"`
}

type BusyPeriodConfig struct {
	Start         string         `json:"start"`
	End           string         `json:"end"`
	Days          timeutils.Days `json:"days"`
	OnProbability float64        `json:"onProbability"`
}

type ApplianceConfig struct {
	OnProbability  float64            `json:"onProbability"`
	OffProbability float64            `json:"offProbability"`
	JitterFraction float64            `json:"jitterFraction"`
	BusyPeriods    []BusyPeriodConfig `json:"busyPeriods"`
}

type SimulationConfig struct {
	TickPeriodSecs int             `json:"tickPeriodSecs"`
	Workers        int             `json:"workers"`
	Seed           int64           `json:"seed"`
	Solar          SolarConfig     `json:"solar"`
	Appliance      ApplianceConfig `json:"appliance"`
}

type TierBucketsConfig struct {
	Raw     string `json:"raw"`
	Hourly  string `json:"hourly"`
	Daily   string `json:"daily"`
	Monthly string `json:"monthly"`
}

type InfluxConfig struct {
	Url string `json:"url"`
	// token is specified via env var
	Org     string            `json:"org"`
	Buckets TierBucketsConfig `json:"buckets"`
}

type StorageConfig struct {
	Backend    string       `json:"backend"`
	SQLitePath string       `json:"sqlitePath"`
	Influx     InfluxConfig `json:"influx"`
}

type RetentionConfig struct {
	RawDays    int `json:"rawDays"`
	HourlyDays int `json:"hourlyDays"`
	DailyDays  int `json:"dailyDays"`
}

type SupabaseConfig struct {
	Url string `json:"url"`
	// key is specified via env var
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type DataPlatformConfig struct {
	Enabled            bool           `json:"enabled"`
	UploadIntervalSecs int            `json:"uploadIntervalSecs"`
	ChunkSize          int            `json:"chunkSize"`
	Supabase           SupabaseConfig `json:"supabase"`
}

type SeedDeviceConfig struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Type        device.Type        `json:"type"`
	Properties  map[string]float64 `json:"properties"`
}

type Config struct {
	// Location is the IANA zone the fleet lives in. Daily and monthly
	// history buckets follow its calendar.
	Location     string             `json:"location"`
	Simulation   SimulationConfig   `json:"simulation"`
	Storage      StorageConfig      `json:"storage"`
	Retention    RetentionConfig    `json:"retention"`
	DataPlatform DataPlatformConfig `json:"dataPlatform"`
	Fleet        []SeedDeviceConfig `json:"fleet"`
}

// Default returns the stock configuration: a small all-electric home on the
// sqlite backend.
func Default() Config {
	return Config{
		Location: "Europe/London",
		Simulation: SimulationConfig{
			TickPeriodSecs: 60,
			Solar: SolarConfig{
				PeakHour:        12,
				CurveWidthHours: 4,
				JitterFraction:  0.15,
				DaylightStart:   "06:00",
				DaylightEnd:     "20:00",
			},
			Appliance: ApplianceConfig{
				OnProbability:  0.3,
				OffProbability: 0.2,
				JitterFraction: 0.1,
				BusyPeriods: []BusyPeriodConfig{
					{Start: "07:00", End: "09:00", Days: timeutils.AllDays, OnProbability: 0.6},
					{Start: "17:00", End: "21:00", Days: timeutils.AllDays, OnProbability: 0.7},
				},
			},
		},
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			SQLitePath: "fleetsim.db",
			Influx: InfluxConfig{
				Url: "http://localhost:8086",
				Org: "cepro",
				Buckets: TierBucketsConfig{
					Raw:     "fleetsim_raw",
					Hourly:  "fleetsim_hourly",
					Daily:   "fleetsim_daily",
					Monthly: "fleetsim_monthly",
				},
			},
		},
		Retention: RetentionConfig{
			RawDays:    7,
			HourlyDays: 90,
			DailyDays:  730,
		},
		DataPlatform: DataPlatformConfig{
			UploadIntervalSecs: 30,
			ChunkSize:          100,
			Supabase: SupabaseConfig{
				Schema: "fleetsim",
				Table:  "device_samples",
			},
		},
		Fleet: []SeedDeviceConfig{
			{
				Name: "roof array",
				Type: device.TypeSolarPanel,
				Properties: map[string]float64{
					device.PropRatedCapacityWatts: 5000,
				},
			},
			{
				Name: "heat pump",
				Type: device.TypeAppliance,
				Properties: map[string]float64{
					device.PropAvgPowerDrawWatts: 1800,
				},
			},
			{
				Name: "washing machine",
				Type: device.TypeAppliance,
				Properties: map[string]float64{
					device.PropAvgPowerDrawWatts: 500,
				},
			},
			{
				Name: "garage battery",
				Type: device.TypeBattery,
				Properties: map[string]float64{
					device.PropCapacityWatthours:     13500,
					device.PropMaxChargeRateWatts:    3000,
					device.PropMaxDischargeRateWatts: 3000,
				},
			},
		},
	}
}

// Read loads the config at path over the defaults, so a file only needs the
// keys it wants to change.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	err = json.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return config, nil
}

func (c Config) Validate() error {
	if _, err := c.TimeLocation(); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	if c.Simulation.TickPeriodSecs <= 0 {
		return fmt.Errorf("tick period must be positive, got %d", c.Simulation.TickPeriodSecs)
	}
	for _, s := range []string{
		c.Simulation.Solar.DaylightStart,
		c.Simulation.Solar.DaylightEnd,
	} {
		if _, err := parseClockTime(s, time.UTC); err != nil {
			return err
		}
	}
	for _, busy := range c.Simulation.Appliance.BusyPeriods {
		for _, s := range []string{busy.Start, busy.End} {
			if _, err := parseClockTime(s, time.UTC); err != nil {
				return err
			}
		}
		if busy.OnProbability < 0 || busy.OnProbability > 1 {
			return fmt.Errorf("busy period probability must be within [0, 1], got %v", busy.OnProbability)
		}
	}
	for _, p := range []float64{c.Simulation.Appliance.OnProbability, c.Simulation.Appliance.OffProbability} {
		if p < 0 || p > 1 {
			return fmt.Errorf("appliance probabilities must be within [0, 1], got %v", p)
		}
	}

	// device rows and the upload queue live in sqlite whichever history
	// backend is in use
	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage needs a sqlite database path")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
	case BackendInfluxDB:
		if c.Storage.Influx.Url == "" || c.Storage.Influx.Org == "" {
			return fmt.Errorf("influxdb backend needs a url and an org")
		}
		buckets := c.Storage.Influx.Buckets
		for _, name := range []string{buckets.Raw, buckets.Hourly, buckets.Daily, buckets.Monthly} {
			if name == "" {
				return fmt.Errorf("influxdb backend needs all four tier bucket names")
			}
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Retention.RawDays <= 0 || c.Retention.HourlyDays <= 0 || c.Retention.DailyDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}

	for _, seed := range c.Fleet {
		if seed.Name == "" {
			return fmt.Errorf("fleet devices need a name")
		}
	}

	return nil
}

// TimeLocation resolves the configured IANA zone.
func (c Config) TimeLocation() (*time.Location, error) {
	return time.LoadLocation(c.Location)
}

// Policy converts the configured day counts into the retention policy.
func (r RetentionConfig) Policy() history.RetentionPolicy {
	return history.RetentionPolicy{
		Raw:    time.Duration(r.RawDays) * 24 * time.Hour,
		Hourly: time.Duration(r.HourlyDays) * 24 * time.Hour,
		Daily:  time.Duration(r.DailyDays) * 24 * time.Hour,
	}
}
