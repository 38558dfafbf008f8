// Package config implements JSON-file configuration loading for the
// dispatch optimizer, with human-readable duration marshaling.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/voltgrid/dispatch/battery"
	"github.com/voltgrid/dispatch/faults"
	"github.com/voltgrid/dispatch/lp"
	"github.com/voltgrid/dispatch/tariff"
)

// BracketConfig is one rung of the progressive power tariff as read from
// JSON, mirroring tariff.Bracket.
type BracketConfig struct {
	WidthKW        float64 `json:"width_kw"`
	CumulativeCost float64 `json:"cumulative_cost"`
}

// Config is the top-level configuration for a dispatch run: battery
// physics, tariff structure, grid limits, solver tuning, and the ambient
// runtime settings (logging, persistence, the live telemetry/dashboard
// endpoints).
type Config struct {
	// Battery physics (§3 BatterySpec)
	BatteryCapacityKWh     float64 `json:"battery_capacity_kwh"`
	BatteryMaxChargeKW     float64 `json:"battery_max_charge_kw"`
	BatteryMaxDischargeKW  float64 `json:"battery_max_discharge_kw"`
	BatterySOCMin          float64 `json:"battery_soc_min"`
	BatterySOCMax          float64 `json:"battery_soc_max"`
	BatteryChargeEff       float64 `json:"battery_charge_efficiency"`
	BatteryDischargeEff    float64 `json:"battery_discharge_efficiency"`
	BatteryInverterEff     float64 `json:"battery_inverter_efficiency"`
	BatteryCellCostPerKWh  float64 `json:"battery_cell_cost_per_kwh"`
	BatteryEndOfLifeFrac   float64 `json:"battery_end_of_life_fraction"`
	BatteryCyclicDegRho    float64 `json:"battery_cyclic_degradation_rho"`
	BatteryCalendarDegRate float64 `json:"battery_calendar_degradation_rate"`

	// Tariff structure (§3 TariffSpec)
	PeakImportRate    float64         `json:"peak_import_rate"`
	PeakExportRate    float64         `json:"peak_export_rate"`
	OffPeakImportRate float64         `json:"off_peak_import_rate"`
	OffPeakExportRate float64         `json:"off_peak_export_rate"`
	PowerBrackets     []BracketConfig `json:"power_brackets"`

	// Grid interconnection limits
	MaxGridImportKW float64 `json:"max_grid_import_kw"`
	MaxGridExportKW float64 `json:"max_grid_export_kw"`

	// Solver tuning
	SolverBigM          float64 `json:"solver_big_m"`           // 0 means auto
	SolverMaxIterations int     `json:"solver_max_iterations"`

	// Rolling-horizon controller
	RollingWindowSteps        int           `json:"rolling_window_steps"`
	RollingStepSize           int           `json:"rolling_step_size"`
	RollingDaysPerMonth       float64       `json:"rolling_days_per_month"`
	RollingMaxConsecutiveFaults int         `json:"rolling_max_consecutive_faults"`
	RollingPollInterval       time.Duration `json:"rolling_poll_interval"`

	// Telemetry (live battery/grid meter via Modbus/TCP)
	ModbusAddress string        `json:"modbus_address"` // host:port, empty disables telemetry
	ModbusTimeout time.Duration `json:"modbus_timeout"`

	// Persistence
	PostgresConnString string `json:"postgres_conn_string"` // empty disables persistence

	// Live dashboard
	HealthCheckPort int `json:"health_check_port"` // 0 disables the HTTP/websocket server

	// Logging
	LogLevel  string `json:"log_level"`  // debug, info, warn, error
	LogFormat string `json:"log_format"` // text, json

	// Location is an IANA timezone name, checked by Validate. No other code
	// reads it: calendar-month boundaries follow the location of the
	// forecast timestamps.
	Location string `json:"location"`
}

// DefaultConfig returns a configuration with reasonable defaults for a
// small residential/commercial installation.
func DefaultConfig() *Config {
	return &Config{
		BatteryCapacityKWh:     13.5,
		BatteryMaxChargeKW:     5.0,
		BatteryMaxDischargeKW:  5.0,
		BatterySOCMin:          0.05,
		BatterySOCMax:          0.95,
		BatteryChargeEff:       0.96,
		BatteryDischargeEff:    0.96,
		BatteryInverterEff:     0.97,
		BatteryCellCostPerKWh:  150.0,
		BatteryEndOfLifeFrac:   0.20,
		BatteryCyclicDegRho:    0.00008,
		BatteryCalendarDegRate: 0.0000005,

		PeakImportRate:    0.30,
		PeakExportRate:    0.08,
		OffPeakImportRate: 0.15,
		OffPeakExportRate: 0.08,
		PowerBrackets: []BracketConfig{
			{WidthKW: 5, CumulativeCost: 10},
			{WidthKW: 10, CumulativeCost: 25},
			{WidthKW: 20, CumulativeCost: 60},
		},

		MaxGridImportKW: 20,
		MaxGridExportKW: 10,

		SolverBigM:          0,
		SolverMaxIterations: 10000,

		RollingWindowSteps:          48,
		RollingStepSize:             1,
		RollingDaysPerMonth:         30,
		RollingMaxConsecutiveFaults: 5,
		RollingPollInterval:         time.Minute,

		ModbusAddress: "",
		ModbusTimeout: 5 * time.Second,

		PostgresConnString: "",

		HealthCheckPort: 0,

		LogLevel:  "info",
		LogFormat: "text",
		Location:  "UTC",
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	const op = "config.LoadConfig"
	file, err := os.Open(filename)
	if err != nil {
		return nil, faults.Configurationf(op, "failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader, starting from
// DefaultConfig so unset JSON fields keep their default value.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	const op = "config.LoadConfigFromReader"
	cfg := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil {
		return nil, faults.Configurationf(op, "failed to decode config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, faults.Configurationf(op, "invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	const op = "config.Config.SaveConfig"
	file, err := os.Create(filename)
	if err != nil {
		return faults.Configurationf(op, "failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	const op = "config.Config.SaveConfigToWriter"
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		return faults.Configurationf(op, "failed to encode config JSON: %w", err)
	}
	return nil
}

// Validate checks the configuration's own invariants and then runs the
// Validate methods of the battery.Spec, tariff.Spec and lp.GridLimits that
// Battery/Tariff/GridLimits build (those builders do not validate).
func (c *Config) Validate() error {
	const op = "config.Config.Validate"

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return faults.Configurationf(op, "invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}
	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.LogFormat] {
		return faults.Configurationf(op, "invalid log_format: %s, must be one of: text, json", c.LogFormat)
	}
	if c.Location == "" {
		return faults.Configurationf(op, "location cannot be empty")
	}
	if _, err := time.LoadLocation(c.Location); err != nil {
		return faults.Configurationf(op, "invalid location %q: %w", c.Location, err)
	}
	if c.HealthCheckPort < 0 || c.HealthCheckPort > 65535 {
		return faults.Configurationf(op, "health_check_port must be between 0 and 65535, got: %d", c.HealthCheckPort)
	}
	if c.RollingWindowSteps <= 0 {
		return faults.Configurationf(op, "rolling_window_steps must be positive, got %d", c.RollingWindowSteps)
	}
	if c.RollingStepSize <= 0 {
		return faults.Configurationf(op, "rolling_step_size must be positive, got %d", c.RollingStepSize)
	}
	if c.RollingDaysPerMonth <= 0 {
		return faults.Configurationf(op, "rolling_days_per_month must be positive, got %v", c.RollingDaysPerMonth)
	}
	if c.RollingMaxConsecutiveFaults < 0 {
		return faults.Configurationf(op, "rolling_max_consecutive_faults must be non-negative")
	}

	if err := c.Battery().Validate(); err != nil {
		return faults.Configurationf(op, "battery configuration invalid: %w", err)
	}
	if err := c.Tariff().Validate(); err != nil {
		return faults.Configurationf(op, "tariff configuration invalid: %w", err)
	}
	if err := c.GridLimits().Validate(); err != nil {
		return faults.Configurationf(op, "grid limits invalid: %w", err)
	}

	return nil
}

// Battery builds the battery.Spec this configuration describes.
func (c *Config) Battery() battery.Spec {
	return battery.Spec{
		EnergyCapacityKWh: c.BatteryCapacityKWh,
		MaxChargeKW:       c.BatteryMaxChargeKW,
		MaxDischargeKW:    c.BatteryMaxDischargeKW,
		SOCMin:            c.BatterySOCMin,
		SOCMax:            c.BatterySOCMax,
		ChargeEfficiency:  c.BatteryChargeEff,
		DischargeEff:      c.BatteryDischargeEff,
		InverterEff:       c.BatteryInverterEff,
		CellCostPerKWh:    c.BatteryCellCostPerKWh,
		EndOfLifeFraction: c.BatteryEndOfLifeFrac,
		CyclicDegRho:      c.BatteryCyclicDegRho,
		CalendarDegRate:   c.BatteryCalendarDegRate,
	}
}

// Tariff builds the tariff.Spec this configuration describes.
func (c *Config) Tariff() tariff.Spec {
	brackets := make([]tariff.Bracket, len(c.PowerBrackets))
	for i, b := range c.PowerBrackets {
		brackets[i] = tariff.Bracket{WidthKW: b.WidthKW, CumulativeCost: b.CumulativeCost}
	}
	return tariff.Spec{
		Energy: tariff.EnergyRates{
			PeakImport:    c.PeakImportRate,
			PeakExport:    c.PeakExportRate,
			OffPeakImport: c.OffPeakImportRate,
			OffPeakExport: c.OffPeakExportRate,
		},
		Brackets: brackets,
	}
}

// GridLimits builds the lp.GridLimits this configuration describes.
func (c *Config) GridLimits() lp.GridLimits {
	return lp.GridLimits{ImportKW: c.MaxGridImportKW, ExportKW: c.MaxGridExportKW}
}

// MarshalJSON implements custom JSON marshaling so duration fields render
// as human-readable strings (e.g. "5s") rather than raw nanosecond counts.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		RollingPollInterval string `json:"rolling_poll_interval"`
		ModbusTimeout       string `json:"modbus_timeout"`
	}{
		Alias:               (*Alias)(c),
		RollingPollInterval: c.RollingPollInterval.String(),
		ModbusTimeout:       c.ModbusTimeout.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to parse duration
// fields from their string form.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		RollingPollInterval string `json:"rolling_poll_interval"`
		ModbusTimeout       string `json:"modbus_timeout"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if aux.RollingPollInterval != "" {
		if c.RollingPollInterval, err = time.ParseDuration(aux.RollingPollInterval); err != nil {
			return fmt.Errorf("invalid rolling_poll_interval: %w", err)
		}
	}
	if aux.ModbusTimeout != "" {
		if c.ModbusTimeout, err = time.ParseDuration(aux.ModbusTimeout); err != nil {
			return fmt.Errorf("invalid modbus_timeout: %w", err)
		}
	}

	return nil
}

// String returns a JSON representation of the config for logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
