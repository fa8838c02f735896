// Package meter tracks per-vat computation budgets.
//
// A Meter is owned by the kernel and consulted by the crank driver and the
// instrumented vat code. It is not safe for concurrent use; the kernel's
// single scheduler goroutine is its only caller.
package meter

import (
	"errors"
	"math"
)

var ErrExhausted = errors.New("meter: exhausted")

// Policy selects how an exhausted or partially consumed budget recovers.
type Policy struct {
	RefillEachCrank   bool
	RefillIfExhausted bool
}

// FailStop is the policy for dynamically created vats: only an explicit
// Refill lifts exhaustion.
var FailStop = Policy{}

// Record is a point-in-time snapshot of a meter.
type Record struct {
	Budget            uint64 `json:"budget"`
	Remaining         uint64 `json:"remaining"`
	RefillEachCrank   bool   `json:"refill_each_crank"`
	RefillIfExhausted bool   `json:"refill_if_exhausted"`
	Exhausted         bool   `json:"exhausted"`
	Unlimited         bool   `json:"unlimited"`
}

type Meter struct {
	budget    uint64
	remaining uint64
	policy    Policy
	exhausted bool
	unlimited bool
}

func New(budget uint64, policy Policy) *Meter {
	return &Meter{
		budget:    budget,
		remaining: budget,
		policy:    policy,
		exhausted: budget == 0,
	}
}

// Unlimited returns a meter that never exhausts.
func Unlimited() *Meter {
	return &Meter{budget: math.MaxUint64, remaining: math.MaxUint64, unlimited: true}
}

// Use consumes n units. Overdrawing zeroes the remainder and exhausts the
// meter; every call while exhausted fails.
func (m *Meter) Use(n uint64) error {
	if m.unlimited {
		return nil
	}
	if m.exhausted {
		return ErrExhausted
	}
	if n > m.remaining {
		m.remaining = 0
		m.exhausted = true
		return ErrExhausted
	}
	m.remaining -= n
	if m.remaining == 0 {
		m.exhausted = true
	}
	return nil
}

func (m *Meter) Exhausted() bool {
	return m.exhausted
}

func (m *Meter) Remaining() uint64 {
	return m.remaining
}

func (m *Meter) Policy() Policy {
	return m.policy
}

// BeginCrank runs at the start of every delivery to the owning vat.
func (m *Meter) BeginCrank() {
	if m.policy.RefillEachCrank {
		m.Refill()
	}
}

// EndCrank runs after every delivery to the owning vat.
func (m *Meter) EndCrank() {
	if m.exhausted && m.policy.RefillIfExhausted {
		m.Refill()
	}
}

// Refill restores the full budget and clears exhaustion.
func (m *Meter) Refill() {
	if m.unlimited {
		return
	}
	m.remaining = m.budget
	m.exhausted = m.budget == 0
}

func (m *Meter) Record() Record {
	return Record{
		Budget:            m.budget,
		Remaining:         m.remaining,
		RefillEachCrank:   m.policy.RefillEachCrank,
		RefillIfExhausted: m.policy.RefillIfExhausted,
		Exhausted:         m.exhausted,
		Unlimited:         m.unlimited,
	}
}
