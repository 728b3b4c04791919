package main

import (
	"sync"

	"power-arbiter/internal/arbiter"
	"power-arbiter/internal/logging"
	"power-arbiter/internal/opp"

	"github.com/sirupsen/logrus"
)

// loggingBackend stands in for platform clock framework hooks. It records
// every applied setting and logs it, so scenario runs work on hosts that
// have no OMAP-style power hardware.
type loggingBackend struct {
	mu         sync.Mutex
	busRates   map[arbiter.Agent]uint64
	clockRates map[string]uint64
	dspOPP     opp.Entry
	cpuOPP     opp.Entry
}

func newLoggingBackend() *loggingBackend {
	return &loggingBackend{
		busRates:   make(map[arbiter.Agent]uint64),
		clockRates: make(map[string]uint64),
	}
}

func (b *loggingBackend) SetBusRate(agent arbiter.Agent, kibps uint64) error {
	b.mu.Lock()
	b.busRates[agent] = kibps
	b.mu.Unlock()

	logging.GetLogger().WithFields(logrus.Fields{
		"agent": agent.String(),
		"kibps": kibps,
	}).Debug("Applied interconnect throughput floor")
	return nil
}

func (b *loggingBackend) SetClockRate(clock string, hz uint64) error {
	b.mu.Lock()
	b.clockRates[clock] = hz
	b.mu.Unlock()

	logging.GetLogger().WithFields(logrus.Fields{
		"clock": clock,
		"hz":    hz,
	}).Debug("Applied clock rate")
	return nil
}

func (b *loggingBackend) SetDSPOPP(e opp.Entry) error {
	b.mu.Lock()
	b.dspOPP = e
	b.mu.Unlock()

	logging.GetLogger().WithFields(logrus.Fields{
		"opp_id": e.ID,
		"hz":     e.Value,
	}).Debug("Applied DSP operating point")
	return nil
}

func (b *loggingBackend) SetCPUFreq(e opp.Entry) error {
	b.mu.Lock()
	b.cpuOPP = e
	b.mu.Unlock()

	logging.GetLogger().WithFields(logrus.Fields{
		"opp_id": e.ID,
		"hz":     e.Value,
	}).Debug("Applied CPU frequency")
	return nil
}

var _ arbiter.Backend = (*loggingBackend)(nil)
