// Package arbiter combines the per-domain constraint stores, the
// operating-point tables, and the hardware backend into the service that
// drivers call. It handles:
// - Driver-facing constraint submission (bus throughput, clock rate,
//   DSP OPP, CPU frequency) with replace-by-requester semantics
// - Aggregation and resolution per domain, applied through a pluggable
//   backend
// - Context-loss counting fed by power-domain-off notifications
// All operations are safe for concurrent use from independent drivers.
package arbiter

import (
	"errors"
	"fmt"
	"time"

	"power-arbiter/internal/constraint"
	"power-arbiter/internal/opp"
)

// ErrInvalidArgument reports a malformed domain, agent, or device
// reference. No state change is applied when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrUnsatisfiable reports an aggregated constraint that exceeds every
// available operating point. The calling driver decides whether to
// degrade, retry later, or abort; the core applies no partial state
// change.
var ErrUnsatisfiable = opp.ErrUnsatisfiable

// Agent identifies a device's interconnect attachment point against which
// bus throughput constraints are expressed.
type Agent uint8

const (
	// AgentTarget is the device's L4 interconnect connection.
	AgentTarget Agent = iota + 1
	// AgentInitiator is the L3 connection, valid only for devices that can
	// initiate transfers.
	AgentInitiator
)

func (a Agent) String() string {
	switch a {
	case AgentTarget:
		return "target"
	case AgentInitiator:
		return "initiator"
	default:
		return fmt.Sprintf("agent(%d)", uint8(a))
	}
}

// ParseAgent converts a configuration string to an Agent.
func ParseAgent(s string) (Agent, error) {
	switch s {
	case "target":
		return AgentTarget, nil
	case "initiator":
		return AgentInitiator, nil
	default:
		return 0, fmt.Errorf("%w: unknown agent %q", ErrInvalidArgument, s)
	}
}

// Backend executes chosen operating points on hardware. It is the
// clock/voltage driver boundary: implementations must not block and
// return an error wrapping ErrUnsatisfiable when a requested rate is
// beyond what the hardware can deliver.
type Backend interface {
	// SetBusRate applies an aggregated throughput requirement (KiB/s) for
	// one interconnect agent. Bus domains carry no operating-point table;
	// the backend derives the interconnect clock from the numeric value.
	SetBusRate(agent Agent, kibps uint64) error

	// SetClockRate applies a resolved rate (Hz) to a named clock.
	SetClockRate(clock string, hz uint64) error

	// SetDSPOPP applies a resolved DSP operating point.
	SetDSPOPP(e opp.Entry) error

	// SetCPUFreq applies a resolved MPU operating point.
	SetCPUFreq(e opp.Entry) error
}

// Transition describes one applied aggregate change on a domain.
// SettingID is 0 for bus domains, which have no table.
type Transition struct {
	Domain       string
	Requester    constraint.RequesterID
	Aggregate    uint64
	SettingID    uint8
	SettingValue uint64
	Generation   uint64
	Timestamp    time.Time
}

// Observer receives transitions after they have been applied, outside any
// domain lock.
type Observer interface {
	ObserveTransition(Transition)
}

// DomainState is a point-in-time view of one domain, used for run
// summaries and telemetry.
type DomainState struct {
	Domain       string
	Aggregate    uint64
	LiveRecords  int
	SettingID    uint8
	SettingValue uint64
}

// Config supplies the platform's operating-point tables. Tables are
// optional; operations on a domain without a table fail with
// ErrInvalidArgument or are ignored, matching a platform that does not
// expose that resource.
type Config struct {
	// CPUTable maps OPP IDs to MPU frequencies in Hz.
	CPUTable *opp.Table
	// DSPTable maps OPP IDs to DSP frequencies in Hz.
	DSPTable *opp.Table
	// ClockTables holds one achievable-rate table per named clock.
	ClockTables map[string]*opp.Table
	// SharedVoltageDomain couples the DSP and MPU domains: both tables
	// must then carry identical OPP ID sets, and the resolved OPP for
	// either domain is the higher of the two demands.
	SharedVoltageDomain bool
}

// Validate checks that the config is coherent.
func (c *Config) Validate() error {
	if c.SharedVoltageDomain {
		if c.CPUTable == nil || c.DSPTable == nil {
			return fmt.Errorf("shared voltage domain requires both CPU and DSP tables")
		}
		if c.CPUTable.Len() != c.DSPTable.Len() {
			return fmt.Errorf("shared voltage domain requires matching CPU and DSP table sizes (%d vs %d)",
				c.CPUTable.Len(), c.DSPTable.Len())
		}
		for _, id := range c.CPUTable.IDs() {
			if _, ok := c.DSPTable.ByID(id); !ok {
				return fmt.Errorf("shared voltage domain: OPP ID %d present in CPU table but not DSP table", id)
			}
		}
	}
	for name, table := range c.ClockTables {
		if name == "" {
			return fmt.Errorf("clock table with empty name")
		}
		if table == nil {
			return fmt.Errorf("clock %s has no rate table", name)
		}
	}
	return nil
}
