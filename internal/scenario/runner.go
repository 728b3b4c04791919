// Package scenario replays a scripted timeline of driver constraint
// activity against the arbiter, one goroutine per driver, collecting the
// operating-point transitions it provokes.
package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"power-arbiter/internal/arbiter"
	"power-arbiter/internal/config"
	"power-arbiter/internal/logging"

	"github.com/sirupsen/logrus"
)

// Result captures everything a scenario run produced.
type Result struct {
	ScenarioName string
	StartTime    time.Time
	EndTime      time.Time

	Transitions  []arbiter.Transition
	DomainStates []arbiter.DomainState
	LossCounts   map[string]uint32
	StepErrors   []string
}

// Runner drives one scenario against one arbiter. It registers itself as
// the arbiter's transition observer for the duration of the run.
type Runner struct {
	arb    *arbiter.Arbiter
	cfg    *config.ScenarioConfig
	logger *logrus.Logger

	mu          sync.Mutex
	transitions []arbiter.Transition
	stepErrors  []string
}

func NewRunner(arb *arbiter.Arbiter, cfg *config.ScenarioConfig) *Runner {
	return &Runner{
		arb:    arb,
		cfg:    cfg,
		logger: logging.GetLogger(),
	}
}

// ObserveTransition implements arbiter.Observer.
func (r *Runner) ObserveTransition(tr arbiter.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

// Run executes every driver script concurrently and waits for all of them
// to finish. Step failures do not abort the run; they are collected in the
// result, because one misbehaving driver must not destabilize the others.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.arb.SetObserver(r)

	drivers := r.cfg.GetDriversSorted()
	r.logger.WithFields(logrus.Fields{
		"scenario": r.cfg.Scenario.Name,
		"drivers":  len(drivers),
	}).Info("Starting scenario run")

	start := time.Now()

	var wg sync.WaitGroup
	for _, entry := range drivers {
		wg.Add(1)
		go func(entry config.DriverEntry) {
			defer wg.Done()
			r.runDriver(ctx, entry, start)
		}(entry)
	}
	wg.Wait()

	end := time.Now()

	r.mu.Lock()
	transitions := make([]arbiter.Transition, len(r.transitions))
	copy(transitions, r.transitions)
	stepErrors := make([]string, len(r.stepErrors))
	copy(stepErrors, r.stepErrors)
	r.mu.Unlock()

	result := &Result{
		ScenarioName: r.cfg.Scenario.Name,
		StartTime:    start,
		EndTime:      end,
		Transitions:  transitions,
		DomainStates: r.arb.DomainStates(),
		LossCounts:   r.arb.ContextLossCounts(),
		StepErrors:   stepErrors,
	}

	r.logger.WithFields(logrus.Fields{
		"scenario":    result.ScenarioName,
		"transitions": len(result.Transitions),
		"step_errors": len(result.StepErrors),
		"duration":    end.Sub(start).Round(time.Millisecond).String(),
	}).Info("Scenario run finished")

	return result, ctx.Err()
}

func (r *Runner) runDriver(ctx context.Context, entry config.DriverEntry, start time.Time) {
	for i, step := range entry.Script.Steps {
		due := start.Add(time.Duration(step.AtMS) * time.Millisecond)
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		if err := r.executeStep(entry.Name, step); err != nil {
			r.recordStepError(entry.Name, i, err)
		}
	}
}

func (r *Runner) executeStep(driver string, step config.Step) error {
	switch step.Op {
	case config.OpSetMinBusTput:
		agent, err := arbiter.ParseAgent(step.Agent)
		if err != nil {
			return err
		}
		return r.arb.SetMinBusThroughput(driver, agent, step.KiBps)
	case config.OpSetMinClkRate:
		return r.arb.SetMinClockRate(driver, step.Clock, step.Hz)
	case config.OpDSPSetMinOPP:
		r.arb.DSPSetMinOPP(step.OPPID)
		return nil
	case config.OpCPUSetFreq:
		r.arb.CPUSetMinFreq(step.Hz)
		return nil
	case config.OpPowerDomainOff:
		device := step.Device
		if device == "" {
			device = driver
		}
		r.arb.NotifyPowerDomainOff(device)
		return nil
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func (r *Runner) recordStepError(driver string, index int, err error) {
	msg := fmt.Sprintf("driver %s step %d: %v", driver, index, err)
	r.logger.WithFields(logrus.Fields{
		"driver": driver,
		"step":   index,
	}).WithError(err).Warn("Scenario step failed")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepErrors = append(r.stepErrors, msg)
}
