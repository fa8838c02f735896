package kernel

import (
	"fmt"

	"github.com/danmuck/vatctl/internal/bundle"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/vat"
)

// CreationPhase tracks one dynamic creation request.
type CreationPhase string

const (
	PhaseRequested  CreationPhase = "requested"
	PhaseLoading    CreationPhase = "loading"
	PhaseBuilt      CreationPhase = "built"
	PhaseRegistered CreationPhase = "registered"
	PhaseFailed     CreationPhase = "failed"
	PhaseNotified   CreationPhase = "notified"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var creationTransitions = map[CreationPhase][]CreationPhase{
	PhaseRequested:  {PhaseLoading},
	PhaseLoading:    {PhaseBuilt, PhaseFailed},
	PhaseBuilt:      {PhaseRegistered, PhaseFailed},
	PhaseRegistered: {PhaseNotified},
	PhaseFailed:     {PhaseNotified},
}

func validateTransition(from, to CreationPhase) error {
	for _, next := range creationTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// BundleLoader turns a bundle into a vat constructor, charging evaluation to m.
type BundleLoader interface {
	Load(b bundle.Bundle, m *meter.Meter) (vat.Constructor, error)
}

// CreateOptions adjusts one dynamic creation. Zero values use kernel
// defaults.
type CreateOptions struct {
	Name        string
	MeterBudget uint64
}

// CreationInfo is the externally visible record of a creation request.
type CreationInfo struct {
	VatID    message.VatID  `json:"vat_id"`
	Name     string         `json:"name,omitempty"`
	Phase    CreationPhase  `json:"phase"`
	Outcome  string         `json:"outcome,omitempty"`
	Error    string         `json:"error,omitempty"`
	RootSlot message.SlotID `json:"root_slot,omitempty"`
	Budget   uint64         `json:"budget"`
}

type creation struct {
	id      message.VatID
	name    string
	phase   CreationPhase
	outcome string
	err     error
	root    message.SlotID
	budget  uint64

	bundle  bundle.Bundle
	meter   *meter.Meter
	ctor    vat.Constructor
	manager *VatManager
}

func (c *creation) info() CreationInfo {
	info := CreationInfo{
		VatID:    c.id,
		Name:     c.name,
		Phase:    c.phase,
		Outcome:  c.outcome,
		RootSlot: c.root,
		Budget:   c.budget,
	}
	if c.err != nil {
		info.Error = c.err.Error()
	}
	return info
}

// CreateVatDynamically allocates a vat id and meter and returns the id at
// once. Loading, construction and the newVatCallback notification all run
// as later continuations.
func (k *Kernel) CreateVatDynamically(b bundle.Bundle) message.VatID {
	return k.CreateVatDynamicallyWithOptions(b, CreateOptions{})
}

func (k *Kernel) CreateVatDynamicallyWithOptions(b bundle.Bundle, opts CreateOptions) message.VatID {
	id := k.state.ids.Next()
	budget := opts.MeterBudget
	if budget == 0 {
		budget = k.cfg.DynamicMeterBudget
	}
	c := &creation{
		id:     id,
		name:   opts.Name,
		phase:  PhaseRequested,
		budget: budget,
		bundle: b,
		meter:  meter.New(budget, meter.FailStop),
	}
	k.state.creations[id] = c
	k.schedule("load", c, func() { k.loadStage(c) })
	k.log.Debug().Str("vat", string(id)).Uint64("budget", budget).Msg("kernel.CreateVatDynamically requested")
	return id
}

func (k *Kernel) loadStage(c *creation) {
	if !k.advance(c, PhaseLoading) {
		return
	}
	b := c.bundle
	c.bundle = nil
	ctor, err := k.loader.Load(b, c.meter)
	if err != nil {
		k.fail(c, err)
		return
	}
	if ctor == nil {
		k.fail(c, fmt.Errorf("%w: loader returned no constructor", vat.ErrMissingEntryPoint))
		return
	}
	c.ctor = ctor
	if !k.advance(c, PhaseBuilt) {
		return
	}
	k.schedule("register", c, func() { k.registerStage(c) })
}

// registerStage builds the dispatcher and registers the manager. Nothing is
// inserted unless every step succeeds.
func (k *Kernel) registerStage(c *creation) {
	mgr := newVatManager(c.id, c.name, c.meter, false)
	dispatcher, err := c.ctor(k.syscallFor(mgr))
	c.ctor = nil
	if err != nil {
		k.fail(c, err)
		return
	}
	if dispatcher == nil {
		k.fail(c, fmt.Errorf("%w: constructor returned no dispatcher", vat.ErrMissingEntryPoint))
		return
	}
	mgr.dispatcher = dispatcher
	mgr.onTerminate = k.vatTerminated
	if err := k.state.registry.Register(mgr); err != nil {
		k.fail(c, err)
		return
	}
	k.state.exports.AddVat(c.id)
	c.manager = mgr
	if !k.advance(c, PhaseRegistered) {
		return
	}
	k.schedule("notify", c, func() { k.notifyCreated(c) })
	k.scheduleExit(mgr)
	k.log.Debug().Str("vat", string(c.id)).Msg("kernel.registerStage registered")
}

func (k *Kernel) fail(c *creation, err error) {
	if !k.advance(c, PhaseFailed) {
		return
	}
	c.err = err
	c.meter = nil
	k.schedule("notify", c, func() { k.notifyFailed(c) })
	k.log.Info().Str("vat", string(c.id)).Err(err).Msg("kernel.createVat failed")
}

func (k *Kernel) advance(c *creation, to CreationPhase) bool {
	if err := validateTransition(c.phase, to); err != nil {
		k.log.Error().Str("vat", string(c.id)).Err(err).Msg("kernel.createVat transition refused")
		return false
	}
	c.phase = to
	return true
}

// Creation returns the record for a creation request.
func (k *Kernel) Creation(id message.VatID) (CreationInfo, bool) {
	c, ok := k.state.creations[id]
	if !ok {
		return CreationInfo{}, false
	}
	return c.info(), true
}

// Creations lists creation records ordered by vat number.
func (k *Kernel) Creations() []CreationInfo {
	out := make([]CreationInfo, 0, len(k.state.creations))
	for _, c := range k.state.creations {
		out = append(out, c.info())
	}
	sortByVat(out, func(c CreationInfo) message.VatID { return c.VatID })
	return out
}
