package config

import (
	"fmt"
	"sort"

	"power-arbiter/internal/opp"
)

// PlatformConfig describes one board variant: its operating-point tables,
// its constrainable clocks, and where telemetry goes.
type PlatformConfig struct {
	Platform  PlatformInfo           `yaml:"platform"`
	OPPTables OPPTables              `yaml:"opp_tables"`
	Clocks    map[string]ClockConfig `yaml:"clocks"`
}

type PlatformInfo struct {
	Name                string          `yaml:"name"`
	Description         string          `yaml:"description"`
	LogLevel            string          `yaml:"log_level"`
	SharedVoltageDomain bool            `yaml:"shared_voltage_domain"`
	Telemetry           TelemetryConfig `yaml:"telemetry"`
}

type TelemetryConfig struct {
	DB DatabaseConfig `yaml:"db"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	Org      string `yaml:"org"`
	Password string `yaml:"password"`
}

// Enabled reports whether a telemetry database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

type OPPTables struct {
	MPU []OPPEntryConfig `yaml:"mpu"`
	DSP []OPPEntryConfig `yaml:"dsp"`
}

type OPPEntryConfig struct {
	ID     uint8  `yaml:"id"`
	RateHz uint64 `yaml:"rate_hz"`
}

type ClockConfig struct {
	RatesHz []uint64 `yaml:"rates_hz"`
}

// BuildMPUTable constructs the MPU operating-point table, or nil if the
// platform declares none.
func (c *PlatformConfig) BuildMPUTable() (*opp.Table, error) {
	return buildTable("mpu", c.OPPTables.MPU)
}

// BuildDSPTable constructs the DSP operating-point table, or nil if the
// platform declares none.
func (c *PlatformConfig) BuildDSPTable() (*opp.Table, error) {
	return buildTable("dsp", c.OPPTables.DSP)
}

// BuildClockTables constructs one achievable-rate table per named clock.
// Clock rates carry no explicit setting IDs; they are numbered 1..n in
// ascending order.
func (c *PlatformConfig) BuildClockTables() (map[string]*opp.Table, error) {
	tables := make(map[string]*opp.Table, len(c.Clocks))
	for name, clk := range c.Clocks {
		if len(clk.RatesHz) == 0 {
			return nil, fmt.Errorf("clock %s: no rates declared", name)
		}
		if len(clk.RatesHz) > 255 {
			return nil, fmt.Errorf("clock %s: too many rates (%d)", name, len(clk.RatesHz))
		}
		entries := make([]opp.Entry, len(clk.RatesHz))
		for i, rate := range clk.RatesHz {
			entries[i] = opp.Entry{ID: uint8(i + 1), Value: rate}
		}
		table, err := opp.NewTable(entries)
		if err != nil {
			return nil, fmt.Errorf("clock %s: %w", name, err)
		}
		tables[name] = table
	}
	return tables, nil
}

func buildTable(domain string, entries []OPPEntryConfig) (*opp.Table, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	converted := make([]opp.Entry, len(entries))
	for i, e := range entries {
		converted[i] = opp.Entry{ID: e.ID, Value: e.RateHz}
	}
	table, err := opp.NewTable(converted)
	if err != nil {
		return nil, fmt.Errorf("%s table: %w", domain, err)
	}
	return table, nil
}

// ScenarioConfig scripts a timeline of driver constraint activity against
// the arbiter, one step sequence per driver.
type ScenarioConfig struct {
	Scenario ScenarioInfo            `yaml:"scenario"`
	Drivers  map[string]DriverScript `yaml:"drivers"`
}

type ScenarioInfo struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	LogLevel    string `yaml:"log_level"`
}

type DriverScript struct {
	Steps []Step `yaml:"steps"`
}

// Step operation names.
const (
	OpSetMinBusTput  = "set_min_bus_tput"
	OpSetMinClkRate  = "set_min_clk_rate"
	OpDSPSetMinOPP   = "dsp_set_min_opp"
	OpCPUSetFreq     = "cpu_set_freq"
	OpPowerDomainOff = "power_domain_off"
)

// Step is one scripted driver call. KiBps/Hz of 0 relinquish the
// constraint, matching the driver interface.
type Step struct {
	AtMS   int    `yaml:"at_ms"`
	Op     string `yaml:"op"`
	Agent  string `yaml:"agent,omitempty"`
	Clock  string `yaml:"clock,omitempty"`
	Device string `yaml:"device,omitempty"`
	KiBps  uint64 `yaml:"kibps,omitempty"`
	Hz     uint64 `yaml:"hz,omitempty"`
	OPPID  uint8  `yaml:"opp_id,omitempty"`
}

// DriverEntry pairs a driver name with its script, for deterministic
// iteration.
type DriverEntry struct {
	Name   string
	Script DriverScript
}

// GetDriversSorted returns the scripted drivers ordered by name.
func (c *ScenarioConfig) GetDriversSorted() []DriverEntry {
	entries := make([]DriverEntry, 0, len(c.Drivers))
	for name, script := range c.Drivers {
		entries = append(entries, DriverEntry{Name: name, Script: script})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
