package arbiter

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"power-arbiter/internal/constraint"
	"power-arbiter/internal/ctxloss"
	"power-arbiter/internal/logging"
	"power-arbiter/internal/opp"

	"github.com/sirupsen/logrus"
)

// Requester handles for the single-caller domains.
const (
	dspRequester constraint.RequesterID = "dspbridge"
	cpuRequester constraint.RequesterID = "cpufreq"
)

// Arbiter is the process-wide arbitration service. Drivers hold a handle
// to it and never reach into the stores directly.
//
// Locking: each domain store carries its own mutex, so contention on one
// domain never blocks unrelated domains. The DSP and CPU domains
// additionally share vddMu because their resolved operating points can be
// coupled through a shared voltage domain. Backend application for table
// domains happens after the store critical section; a stale-but-valid
// operating point is acceptable because constraints are "at least", never
// "exactly". Bus domains apply inside the critical section so an
// unsatisfiable rate rolls back with no partial state.
type Arbiter struct {
	cfg     Config
	backend Backend
	logger  *logrus.Logger
	tlog    *logrus.Logger

	bus    map[Agent]*constraint.Store
	clocks map[string]*constraint.Store
	dsp    *constraint.Store
	cpu    *constraint.Store

	// vddMu guards the cached resolved DSP/CPU entries and serializes
	// their backend application.
	vddMu     sync.Mutex
	curDSP    opp.Entry
	curCPU    opp.Entry
	dspActive bool
	cpuActive bool

	tracker *ctxloss.Tracker
	offMode atomic.Bool

	// observer must be set before drivers start calling in.
	observer Observer
}

// New builds the arbitration service from the platform tables and the
// clock/voltage backend.
func New(cfg Config, backend Backend) (*Arbiter, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Arbiter{
		cfg:     cfg,
		backend: backend,
		logger:  logging.GetLogger(),
		tlog:    logging.GetTransitionLogger(),
		bus: map[Agent]*constraint.Store{
			AgentTarget:    constraint.NewStore(),
			AgentInitiator: constraint.NewStore(),
		},
		clocks:  make(map[string]*constraint.Store, len(cfg.ClockTables)),
		dsp:     constraint.NewStore(),
		cpu:     constraint.NewStore(),
		tracker: ctxloss.NewTracker(),
	}
	for name := range cfg.ClockTables {
		a.clocks[name] = constraint.NewStore()
	}
	a.offMode.Store(true)

	return a, nil
}

// SetObserver registers the transition observer. Call before drivers
// start submitting constraints.
func (a *Arbiter) SetObserver(o Observer) {
	a.observer = o
}

// Initialize drives every domain to its minimum-power operating point.
// Called once at system bring-up, before drivers submit constraints.
func (a *Arbiter) Initialize() error {
	for _, agent := range []Agent{AgentTarget, AgentInitiator} {
		if err := a.backend.SetBusRate(agent, 0); err != nil {
			return fmt.Errorf("bus %s floor: %w", agent, err)
		}
	}
	for name, table := range a.cfg.ClockTables {
		if err := a.backend.SetClockRate(name, table.Lowest().Value); err != nil {
			return fmt.Errorf("clock %s floor: %w", name, err)
		}
	}
	if err := a.applyVoltageDomain("init", 0, true, true); err != nil {
		return err
	}

	a.logger.WithFields(logrus.Fields{
		"clocks":     len(a.clocks),
		"cpu_table":  a.cfg.CPUTable != nil,
		"dsp_table":  a.cfg.DSPTable != nil,
		"shared_vdd": a.cfg.SharedVoltageDomain,
	}).Info("Arbiter initialized at minimum-power operating points")
	return nil
}

// SetMinBusThroughput requests that the interconnect attached to the
// device's agent sustain at least kibps KiB/s. Repeated calls from the
// same device replace the previous value; 0 relinquishes the constraint.
func (a *Arbiter) SetMinBusThroughput(device string, agent Agent, kibps uint64) error {
	if device == "" {
		return fmt.Errorf("%w: empty device", ErrInvalidArgument)
	}
	store, ok := a.bus[agent]
	if !ok {
		return fmt.Errorf("%w: unknown agent %s", ErrInvalidArgument, agent)
	}

	req := constraint.RequesterID(device)
	agg, gen, changed, err := store.Mutate(req, kibps, func(aggregate, _ uint64) error {
		return a.backend.SetBusRate(agent, aggregate)
	})
	if err != nil {
		return fmt.Errorf("bus %s throughput for %s: %w", agent, device, err)
	}
	if changed {
		a.notifyTransition(Transition{
			Domain:       busDomainName(agent),
			Requester:    req,
			Aggregate:    agg,
			SettingValue: agg,
			Generation:   gen,
			Timestamp:    time.Now(),
		})
	}
	return nil
}

// SetMinClockRate requests that the named clock run at no less than hz.
// The aggregate resolves against the clock's rate table; a demand above
// the table maximum fails with ErrUnsatisfiable and leaves the store
// untouched.
func (a *Arbiter) SetMinClockRate(device, clock string, hz uint64) error {
	if device == "" {
		return fmt.Errorf("%w: empty device", ErrInvalidArgument)
	}
	table, ok := a.cfg.ClockTables[clock]
	if !ok {
		return fmt.Errorf("%w: unknown clock %q", ErrInvalidArgument, clock)
	}
	store := a.clocks[clock]

	req := constraint.RequesterID(device)
	var resolved opp.Entry
	agg, gen, changed, err := store.Mutate(req, hz, func(aggregate, _ uint64) error {
		e, rerr := table.Resolve(aggregate)
		if rerr != nil {
			return rerr
		}
		resolved = e
		return nil
	})
	if err != nil {
		return fmt.Errorf("clock %s rate for %s: %w", clock, device, err)
	}
	if !changed {
		return nil
	}

	if err := a.backend.SetClockRate(clock, resolved.Value); err != nil {
		return fmt.Errorf("clock %s rate for %s: %w", clock, device, err)
	}
	a.notifyTransition(Transition{
		Domain:       clockDomainName(clock),
		Requester:    req,
		Aggregate:    agg,
		SettingID:    resolved.ID,
		SettingValue: resolved.Value,
		Generation:   gen,
		Timestamp:    time.Now(),
	})
	return nil
}

// DSPOPPTable returns a copy of the DSP operating-point table, or nil if
// the platform has none.
func (a *Arbiter) DSPOPPTable() []opp.Entry {
	if a.cfg.DSPTable == nil {
		return nil
	}
	return a.cfg.DSPTable.Entries()
}

// DSPSetMinOPP records the DSP bridge's minimum OPP demand. The DSP load
// estimator only produces a target OPP ID, so this takes the ID rather
// than a frequency. Fire-and-forget: unknown IDs are logged and ignored.
func (a *Arbiter) DSPSetMinOPP(oppID uint8) {
	if a.cfg.DSPTable == nil {
		a.logger.WithField("opp_id", oppID).Warn("DSP OPP requested but platform has no DSP table")
		return
	}
	entry, ok := a.cfg.DSPTable.ByID(oppID)
	if !ok {
		a.logger.WithField("opp_id", oppID).Warn("DSP OPP request for unknown OPP ID ignored")
		return
	}

	_, gen, changed := a.dsp.Set(dspRequester, entry.Value)
	if !changed {
		return
	}
	if err := a.applyVoltageDomain(dspRequester, gen, true, false); err != nil {
		a.logger.WithField("opp_id", oppID).WithError(err).Error("Failed to apply DSP OPP")
	}
}

// DSPOPP reports the currently resolved DSP OPP ID. With a shared voltage
// domain this may be higher than the last requested OPP if the MPU
// demands more. Returns 0 before initialization or without a DSP table.
func (a *Arbiter) DSPOPP() uint8 {
	a.vddMu.Lock()
	defer a.vddMu.Unlock()
	if !a.dspActive {
		return 0
	}
	return a.curDSP.ID
}

// CPUFreqTable returns a copy of the MPU frequency table, or nil if the
// platform has none.
func (a *Arbiter) CPUFreqTable() []opp.Entry {
	if a.cfg.CPUTable == nil {
		return nil
	}
	return a.cfg.CPUTable.Entries()
}

// CPUSetMinFreq records the cpufreq governor's minimum MPU frequency in
// Hz. Fire-and-forget: an unsatisfiable demand is logged and ignored with
// no state change.
func (a *Arbiter) CPUSetMinFreq(hz uint64) {
	if a.cfg.CPUTable == nil {
		a.logger.WithField("freq_hz", hz).Warn("CPU frequency requested but platform has no CPU table")
		return
	}

	_, gen, changed, err := a.cpu.Mutate(cpuRequester, hz, func(aggregate, _ uint64) error {
		_, rerr := a.cfg.CPUTable.Resolve(aggregate)
		return rerr
	})
	if err != nil {
		a.logger.WithField("freq_hz", hz).WithError(err).Warn("CPU frequency request ignored")
		return
	}
	if !changed {
		return
	}
	if err := a.applyVoltageDomain(cpuRequester, gen, false, true); err != nil {
		a.logger.WithField("freq_hz", hz).WithError(err).Error("Failed to apply CPU frequency")
	}
}

// CPUFreq reports the currently resolved MPU frequency in Hz, or 0 before
// initialization or without a CPU table.
func (a *Arbiter) CPUFreq() uint64 {
	a.vddMu.Lock()
	defer a.vddMu.Unlock()
	if !a.cpuActive {
		return 0
	}
	return a.curCPU.Value
}

// applyVoltageDomain re-resolves the DSP and/or CPU domain from its
// current aggregate and applies the resolved entry if it moved. With a
// shared voltage domain the two resolutions are coupled and both domains
// are always considered. Store locks are never held here; a concurrent
// mutation simply triggers the next application.
func (a *Arbiter) applyVoltageDomain(req constraint.RequesterID, gen uint64, applyDSP, applyCPU bool) error {
	if a.cfg.SharedVoltageDomain {
		applyDSP = true
		applyCPU = true
	}
	applyDSP = applyDSP && a.cfg.DSPTable != nil
	applyCPU = applyCPU && a.cfg.CPUTable != nil

	a.vddMu.Lock()

	var transitions []Transition

	dspAgg := a.dsp.Aggregate()
	cpuAgg := a.cpu.Aggregate()

	var dspE, cpuE opp.Entry
	if applyDSP {
		e, err := a.cfg.DSPTable.Resolve(dspAgg)
		if err != nil {
			// The aggregate was admitted at set time, so this only fires
			// if the backend path is misconfigured.
			a.vddMu.Unlock()
			return fmt.Errorf("dsp domain: %w", err)
		}
		dspE = e
	}
	if applyCPU {
		e, err := a.cfg.CPUTable.Resolve(cpuAgg)
		if err != nil {
			a.vddMu.Unlock()
			return fmt.Errorf("cpu domain: %w", err)
		}
		cpuE = e
	}

	if a.cfg.SharedVoltageDomain {
		// Both tables carry the same OPP IDs; the higher demand wins.
		id := dspE.ID
		if cpuE.ID > id {
			id = cpuE.ID
		}
		dspE, _ = a.cfg.DSPTable.ByID(id)
		cpuE, _ = a.cfg.CPUTable.ByID(id)
	}

	if applyDSP && (!a.dspActive || dspE != a.curDSP) {
		if err := a.backend.SetDSPOPP(dspE); err != nil {
			a.vddMu.Unlock()
			return fmt.Errorf("dsp domain: %w", err)
		}
		a.curDSP = dspE
		a.dspActive = true
		transitions = append(transitions, Transition{
			Domain:       domainDSP,
			Requester:    req,
			Aggregate:    dspAgg,
			SettingID:    dspE.ID,
			SettingValue: dspE.Value,
			Generation:   gen,
			Timestamp:    time.Now(),
		})
	}
	if applyCPU && (!a.cpuActive || cpuE != a.curCPU) {
		if err := a.backend.SetCPUFreq(cpuE); err != nil {
			a.vddMu.Unlock()
			return fmt.Errorf("cpu domain: %w", err)
		}
		a.curCPU = cpuE
		a.cpuActive = true
		transitions = append(transitions, Transition{
			Domain:       domainCPU,
			Requester:    req,
			Aggregate:    cpuAgg,
			SettingID:    cpuE.ID,
			SettingValue: cpuE.Value,
			Generation:   gen,
			Timestamp:    time.Now(),
		})
	}

	a.vddMu.Unlock()

	for _, tr := range transitions {
		a.notifyTransition(tr)
	}
	return nil
}

// NotifyPowerDomainOff records that the device's power domain transitioned
// off. Called by the power-domain collaborator, not by driver code. When
// off-mode is disabled the domain never fully powers down, so no context
// loss is counted.
func (a *Arbiter) NotifyPowerDomainOff(device string) {
	if device == "" {
		return
	}
	if !a.offMode.Load() {
		a.logger.WithField("device", device).Debug("Power-domain-off with off-mode disabled, context retained")
		return
	}
	count := a.tracker.NotifyLoss(device)
	a.tlog.WithFields(logrus.Fields{
		"device":     device,
		"loss_count": count,
	}).Debug("Context loss recorded")
}

// ContextLossCount returns the number of times the device has lost its
// hardware context. The counter wraps to 0 past its maximum; drivers must
// compare for inequality, never for magnitude. Unknown devices read 0 and
// are registered lazily.
func (a *Arbiter) ContextLossCount(device string) (uint32, error) {
	if device == "" {
		return 0, fmt.Errorf("%w: empty device", ErrInvalidArgument)
	}
	return a.tracker.Count(device), nil
}

// ContextLossCounts returns all loss counters at one instant.
func (a *Arbiter) ContextLossCounts() map[string]uint32 {
	return a.tracker.Counts()
}

// EnableOffMode allows power domains to transition fully off, so
// power-domain-off notifications count as context losses. On by default.
func (a *Arbiter) EnableOffMode() {
	a.offMode.Store(true)
}

// DisableOffMode keeps power domains out of the off state; subsequent
// power-domain-off notifications are ignored.
func (a *Arbiter) DisableOffMode() {
	a.offMode.Store(false)
}

// OffModeEnabled reports the current off-mode switch.
func (a *Arbiter) OffModeEnabled() bool {
	return a.offMode.Load()
}

// DomainStates returns a sorted point-in-time summary of every domain.
func (a *Arbiter) DomainStates() []DomainState {
	var states []DomainState

	for _, agent := range []Agent{AgentTarget, AgentInitiator} {
		snap := a.bus[agent].Snapshot()
		states = append(states, DomainState{
			Domain:       busDomainName(agent),
			Aggregate:    snap.Aggregate,
			LiveRecords:  len(snap.Records),
			SettingValue: snap.Aggregate,
		})
	}
	for name, store := range a.clocks {
		snap := store.Snapshot()
		st := DomainState{
			Domain:      clockDomainName(name),
			Aggregate:   snap.Aggregate,
			LiveRecords: len(snap.Records),
		}
		if e, err := a.cfg.ClockTables[name].Resolve(snap.Aggregate); err == nil {
			st.SettingID = e.ID
			st.SettingValue = e.Value
		}
		states = append(states, st)
	}

	a.vddMu.Lock()
	if a.cfg.DSPTable != nil {
		snap := a.dsp.Snapshot()
		states = append(states, DomainState{
			Domain:       domainDSP,
			Aggregate:    snap.Aggregate,
			LiveRecords:  len(snap.Records),
			SettingID:    a.curDSP.ID,
			SettingValue: a.curDSP.Value,
		})
	}
	if a.cfg.CPUTable != nil {
		snap := a.cpu.Snapshot()
		states = append(states, DomainState{
			Domain:       domainCPU,
			Aggregate:    snap.Aggregate,
			LiveRecords:  len(snap.Records),
			SettingID:    a.curCPU.ID,
			SettingValue: a.curCPU.Value,
		})
	}
	a.vddMu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Domain < states[j].Domain })
	return states
}

// BusSnapshot exposes the live set for one bus agent, for diagnostics.
func (a *Arbiter) BusSnapshot(agent Agent) (constraint.Snapshot, error) {
	store, ok := a.bus[agent]
	if !ok {
		return constraint.Snapshot{}, fmt.Errorf("%w: unknown agent %s", ErrInvalidArgument, agent)
	}
	return store.Snapshot(), nil
}

func (a *Arbiter) notifyTransition(tr Transition) {
	a.tlog.WithFields(logrus.Fields{
		"domain":        tr.Domain,
		"requester":     string(tr.Requester),
		"aggregate":     tr.Aggregate,
		"setting_id":    tr.SettingID,
		"setting_value": tr.SettingValue,
	}).Debug("Operating-point transition")

	if a.observer != nil {
		a.observer.ObserveTransition(tr)
	}
}

const (
	domainDSP = "dsp"
	domainCPU = "cpu"
)

func busDomainName(agent Agent) string {
	return "bus/" + agent.String()
}

func clockDomainName(clock string) string {
	return "clock/" + clock
}
