package kernel

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/danmuck/vatctl/internal/logging"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/meter"
	"github.com/danmuck/vatctl/internal/vat"
)

const adminVatName = "vatAdmin"

// Config fixes the kernel's id spaces and the default dynamic budget.
type Config struct {
	AdminVatID         message.VatID
	FirstDynamicVatID  uint64
	FirstSlotID        message.SlotID
	DynamicMeterBudget uint64
}

func DefaultConfig() Config {
	return Config{
		AdminVatID:         "v1",
		FirstDynamicVatID:  10,
		FirstSlotID:        1,
		DynamicMeterBudget: 1_000_000,
	}
}

func (c Config) Validate() error {
	if _, err := message.ParseVatID(string(c.AdminVatID)); err != nil {
		return fmt.Errorf("%w: admin vat: %w", ErrInvalidConfig, err)
	}
	if c.FirstDynamicVatID <= vatNumber(c.AdminVatID) {
		return fmt.Errorf("%w: first dynamic vat must follow admin vat %s", ErrInvalidConfig, c.AdminVatID)
	}
	if c.FirstSlotID == 0 {
		return fmt.Errorf("%w: first slot must be positive", ErrInvalidConfig)
	}
	if c.DynamicMeterBudget == 0 {
		return fmt.Errorf("%w: dynamic meter budget must be positive", ErrInvalidConfig)
	}
	return nil
}

// State is everything the kernel owns. It is only touched by the goroutine
// driving the scheduler.
type State struct {
	ids           *idAllocator
	registry      *Registry
	exports       *ExportTable
	queue         runQueue
	continuations continuationQueue
	creations     map[message.VatID]*creation
	adminVat      message.VatID
	adminRoot     message.SlotID
}

type Kernel struct {
	cfg    Config
	loader BundleLoader
	state  State
	log    zerolog.Logger
	submit chan func()
}

// New builds a kernel and registers admin as its static administrator vat
// with an unlimited meter.
func New(cfg Config, loader BundleLoader, admin vat.Constructor) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, fmt.Errorf("%w: bundle loader is required", ErrInvalidConfig)
	}
	if admin == nil {
		return nil, fmt.Errorf("%w: admin vat is required", ErrInvalidConfig)
	}
	k := &Kernel{
		cfg:    cfg,
		loader: loader,
		state: State{
			ids:       newIDAllocator(cfg.FirstDynamicVatID),
			registry:  NewRegistry(),
			exports:   NewExportTable(cfg.FirstSlotID),
			creations: make(map[message.VatID]*creation),
			adminVat:  cfg.AdminVatID,
		},
		log:    logging.Component("kernel"),
		submit: make(chan func()),
	}

	mgr := newVatManager(cfg.AdminVatID, adminVatName, meter.Unlimited(), true)
	dispatcher, err := admin(k.syscallFor(mgr))
	if err != nil {
		return nil, fmt.Errorf("kernel: build admin vat: %w", err)
	}
	mgr.dispatcher = dispatcher
	if err := k.state.registry.Register(mgr); err != nil {
		return nil, err
	}
	k.state.exports.AddVat(mgr.ID)
	root, err := k.state.exports.Allocate(mgr.ID, 0)
	if err != nil {
		return nil, err
	}
	k.state.adminRoot = root
	k.log.Info().
		Str("admin_vat", string(mgr.ID)).
		Uint64("admin_root", uint64(root)).
		Msg("kernel.New ready")
	return k, nil
}

// Run drives the scheduler until ctx is done, executing submitted closures
// between steps.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-k.submit:
			fn()
			continue
		default:
		}
		if k.Step() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-k.submit:
			fn()
		}
	}
}

// Submit runs fn on the scheduler goroutine and waits for it to return.
// It requires Run to be active. ctx bounds only the hand-off: once the loop
// has taken fn, Submit waits for it to finish and returns nil.
func (k *Kernel) Submit(ctx context.Context, fn func(k *Kernel)) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn(k)
	}
	select {
	case k.submit <- task:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// VatInfo is a snapshot of one registered vat.
type VatInfo struct {
	ID       message.VatID  `json:"id"`
	Name     string         `json:"name,omitempty"`
	Static   bool           `json:"static"`
	Liveness Liveness       `json:"liveness"`
	Reason   string         `json:"reason,omitempty"`
	RootSlot message.SlotID `json:"root_slot,omitempty"`
	Exports  int            `json:"exports"`
	Meter    meter.Record   `json:"meter"`
}

func (k *Kernel) vatInfo(mgr *VatManager) VatInfo {
	info := VatInfo{
		ID:       mgr.ID,
		Name:     mgr.Name,
		Static:   mgr.Static,
		Liveness: mgr.liveness,
		Reason:   describe(mgr.reason),
		Exports:  len(k.state.exports.Owned(mgr.ID)),
		Meter:    mgr.meter.Record(),
	}
	if root, ok := k.state.exports.Root(mgr.ID); ok {
		info.RootSlot = root
	}
	return info
}

func (k *Kernel) Vat(id message.VatID) (VatInfo, bool) {
	mgr, ok := k.state.registry.Resolve(id)
	if !ok {
		return VatInfo{}, false
	}
	return k.vatInfo(mgr), true
}

func (k *Kernel) Vats() []VatInfo {
	list := k.state.registry.List()
	out := make([]VatInfo, 0, len(list))
	for _, mgr := range list {
		out = append(out, k.vatInfo(mgr))
	}
	return out
}

// RefillMeter restores a live vat's budget.
func (k *Kernel) RefillMeter(id message.VatID) error {
	mgr, err := k.liveVat(id)
	if err != nil {
		return err
	}
	mgr.meter.Refill()
	k.log.Info().Str("vat", string(id)).Msg("kernel.RefillMeter")
	return nil
}

// SendToRoot enqueues a call to a live vat's root object.
func (k *Kernel) SendToRoot(id message.VatID, method string, args message.CapData) error {
	if _, err := k.liveVat(id); err != nil {
		return err
	}
	root, ok := k.state.exports.Root(id)
	if !ok {
		return fmt.Errorf("%w: %s has no root export", ErrUnknownSlot, id)
	}
	return k.enqueue(message.Message{TargetVat: id, Target: root, Method: method, Args: args})
}

func (k *Kernel) liveVat(id message.VatID) (*VatManager, error) {
	mgr, ok := k.state.registry.Resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVat, id)
	}
	if !mgr.Live() {
		return nil, fmt.Errorf("%w: %s", ErrVatTerminated, id)
	}
	return mgr, nil
}

func (k *Kernel) AdminVat() message.VatID {
	return k.state.adminVat
}

func (k *Kernel) AdminRoot() message.SlotID {
	return k.state.adminRoot
}

func (k *Kernel) Exports() *ExportTable {
	return k.state.exports
}

func (k *Kernel) Registry() *Registry {
	return k.state.registry
}

// QueuedMessages copies the run queue in delivery order.
func (k *Kernel) QueuedMessages() []message.Message {
	return k.state.queue.Snapshot()
}

// Pending counts queued continuations and cranks.
func (k *Kernel) Pending() int {
	return k.state.continuations.Len() + k.state.queue.Len()
}

func sortByVat[T any](items []T, id func(T) message.VatID) {
	sort.Slice(items, func(i, j int) bool {
		return vatNumber(id(items[i])) < vatNumber(id(items[j]))
	})
}
