// Package gate decides, per report, whether it is sent, held for the
// user, or discarded.
package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

// transitions lists the dispositions each state may move to.
var transitions = map[domain.Disposition][]domain.Disposition{
	domain.DispositionNew:                  {domain.DispositionAwaitingConfirmation, domain.DispositionApproved, domain.DispositionDiscarded},
	domain.DispositionAwaitingConfirmation: {domain.DispositionApproved, domain.DispositionDiscarded},
}

func canTransition(from, to domain.Disposition) bool {
	for _, d := range transitions[from] {
		if d == to {
			return true
		}
	}
	return false
}

// Dispatcher receives approved reports and withdraws discarded ones that
// have not started uploading yet.
type Dispatcher interface {
	Enqueue(report domain.ErrorReport)
	Drop(id string) bool
}

// Config is the gating configuration fixed at pipeline construction.
type Config struct {
	AutomaticProcessing bool
	Setting             domain.ErrorLogSetting
}

type entry struct {
	report domain.ErrorReport
	disp   domain.Disposition
}

type move struct {
	report domain.ErrorReport
	to     domain.Disposition
}

// Gate holds the disposition of every report seen this session.
type Gate struct {
	mu       sync.Mutex
	auto     bool
	setting  domain.ErrorLogSetting
	entries  map[string]*entry
	order    []string
	asked    bool
	store    ports.ReportStore
	dispatch Dispatcher
	handler  ports.ConfirmationHandler
	delegate ports.Delegate
	logger   ports.Logger
}

// New creates a gate. handler and delegate may be nil.
func New(cfg Config, store ports.ReportStore, dispatch Dispatcher, handler ports.ConfirmationHandler, delegate ports.Delegate, logger ports.Logger) *Gate {
	if delegate == nil {
		delegate = ports.NopDelegate{}
	}
	return &Gate{
		auto:     cfg.AutomaticProcessing,
		setting:  cfg.Setting,
		entries:  make(map[string]*entry),
		store:    store,
		dispatch: dispatch,
		handler:  handler,
		delegate: delegate,
		logger:   logger,
	}
}

// Setting returns the error log setting in effect for this session.
func (g *Gate) Setting() domain.ErrorLogSetting {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setting
}

// Process gates the reports found at startup. The confirmation handler
// is invoked at most once per gate, with every report that needs asking.
func (g *Gate) Process(ctx context.Context, reports []domain.ErrorReport) {
	fresh := g.admit(ctx, reports)
	if len(fresh) == 0 {
		return
	}

	g.mu.Lock()
	auto, setting := g.auto, g.setting
	ask := setting == domain.SettingAlwaysAsk && !g.asked && g.handler != nil
	if ask {
		g.asked = true
	}
	g.mu.Unlock()

	if !auto {
		g.logger.Info("automatic processing disabled, holding reports", ports.Int("count", len(fresh)))
		return
	}

	target := g.target(setting)
	if ask {
		if g.handler(fresh) {
			target = domain.DispositionDiscarded
		} else {
			target = domain.DispositionAwaitingConfirmation
		}
	}
	g.moveAll(ctx, ids(fresh), target)
}

// Submit gates a report created after startup. It never invokes the
// confirmation handler; under alwaysAsk the report waits for the next
// Confirm.
func (g *Gate) Submit(ctx context.Context, report domain.ErrorReport) error {
	fresh := g.admit(ctx, []domain.ErrorReport{report})
	if len(fresh) == 0 {
		return nil
	}
	g.mu.Lock()
	auto, setting := g.auto, g.setting
	g.mu.Unlock()
	if !auto {
		return nil
	}
	return g.moveAll(ctx, []string{report.ID}, g.target(setting))
}

func (g *Gate) target(setting domain.ErrorLogSetting) domain.Disposition {
	switch setting {
	case domain.SettingAutoSend:
		return domain.DispositionApproved
	case domain.SettingAlwaysAsk:
		return domain.DispositionAwaitingConfirmation
	default:
		return domain.DispositionDiscarded
	}
}

// admit registers reports as New and applies the ShouldProcess hook. It
// returns the reports that still need gating.
func (g *Gate) admit(ctx context.Context, reports []domain.ErrorReport) []domain.ErrorReport {
	var fresh, rejected []domain.ErrorReport
	g.mu.Lock()
	for _, r := range reports {
		if _, ok := g.entries[r.ID]; ok {
			continue
		}
		g.entries[r.ID] = &entry{report: r, disp: domain.DispositionNew}
		g.order = append(g.order, r.ID)
		fresh = append(fresh, r)
	}
	g.mu.Unlock()

	kept := fresh[:0]
	for _, r := range fresh {
		if g.delegate.ShouldProcess(r) {
			kept = append(kept, r)
		} else {
			rejected = append(rejected, r)
		}
	}
	if len(rejected) > 0 {
		g.moveAll(ctx, ids(rejected), domain.DispositionDiscarded)
	}
	return kept
}

// Confirm resolves every report awaiting confirmation and returns how
// many were resolved.
func (g *Gate) Confirm(ctx context.Context, c domain.UserConfirmation) (int, error) {
	var target domain.Disposition
	switch c.Decision() {
	case domain.DecisionDiscard:
		target = domain.DispositionDiscarded
	case domain.DecisionAlwaysSend:
		g.mu.Lock()
		g.setting = domain.SettingAutoSend
		g.mu.Unlock()
		target = domain.DispositionApproved
	default:
		target = domain.DispositionApproved
	}

	g.mu.Lock()
	var awaiting []string
	for _, id := range g.order {
		if g.entries[id].disp == domain.DispositionAwaitingConfirmation {
			awaiting = append(awaiting, id)
		}
	}
	g.mu.Unlock()

	if err := g.moveAll(ctx, awaiting, target); err != nil {
		return 0, err
	}
	return len(awaiting), nil
}

// ResumeFiltered approves the listed reports. Reports not listed stay
// where they are. It reports whether the session setting is autoSend.
func (g *Gate) ResumeFiltered(ctx context.Context, filtered []string) (bool, error) {
	g.mu.Lock()
	var approve []string
	for _, id := range filtered {
		e, ok := g.entries[id]
		if !ok {
			g.logger.Debug("resume for unknown report", ports.String("id", id))
			continue
		}
		if !e.disp.Terminal() {
			approve = append(approve, id)
		}
	}
	autoSend := g.setting == domain.SettingAutoSend
	g.mu.Unlock()

	return autoSend, g.moveAll(ctx, approve, domain.DispositionApproved)
}

// Disposition returns the current disposition of a report.
func (g *Gate) Disposition(id string) (domain.Disposition, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[id]
	if !ok {
		return 0, false
	}
	return e.disp, true
}

// Pending returns the reports that are neither approved nor discarded,
// in arrival order.
func (g *Gate) Pending() []domain.ErrorReport {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.ErrorReport
	for _, id := range g.order {
		if e := g.entries[id]; !e.disp.Terminal() {
			out = append(out, e.report)
		}
	}
	return out
}

// Transition moves one report. It fails with domain.ErrInvalidTransition
// when the move is not allowed from its current disposition.
func (g *Gate) Transition(ctx context.Context, id string, to domain.Disposition) error {
	g.mu.Lock()
	e, ok := g.entries[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("gate %s: %w", id, domain.ErrNotFound)
	}
	if !canTransition(e.disp, to) {
		from := e.disp
		g.mu.Unlock()
		return fmt.Errorf("%w: %s from %s to %s", domain.ErrInvalidTransition, id, from, to)
	}
	e.disp = to
	m := move{report: e.report, to: to}
	g.mu.Unlock()

	return g.effect(ctx, m)
}

// Discard removes a report whatever its disposition. An approved report
// is withdrawn from the queue unless its upload already started.
func (g *Gate) Discard(ctx context.Context, id string) error {
	g.mu.Lock()
	e, ok := g.entries[id]
	pending := ok && !e.disp.Terminal()
	g.mu.Unlock()

	if pending {
		return g.moveAll(ctx, []string{id}, domain.DispositionDiscarded)
	}
	if ok && g.dispatch != nil {
		g.dispatch.Drop(id)
	}
	if err := g.store.DeleteCascade(ctx, id); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	return nil
}

// moveAll transitions the listed reports, skipping those that cannot
// move, and runs the side effects outside the lock.
func (g *Gate) moveAll(ctx context.Context, list []string, to domain.Disposition) error {
	g.mu.Lock()
	var moves []move
	for _, id := range list {
		e, ok := g.entries[id]
		if !ok || !canTransition(e.disp, to) {
			continue
		}
		e.disp = to
		moves = append(moves, move{report: e.report, to: to})
	}
	g.mu.Unlock()

	var firstErr error
	for _, m := range moves {
		if err := g.effect(ctx, m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Gate) effect(ctx context.Context, m move) error {
	g.logger.Debug("report disposition",
		ports.String("id", m.report.ID), ports.String("disposition", m.to.String()))

	switch m.to {
	case domain.DispositionDiscarded:
		if g.dispatch != nil {
			g.dispatch.Drop(m.report.ID)
		}
		if err := g.store.DeleteCascade(ctx, m.report.ID); err != nil {
			g.logger.Warn("failed to delete discarded report",
				ports.String("id", m.report.ID), ports.Err(err))
			return fmt.Errorf("discard %s: %w", m.report.ID, err)
		}
	case domain.DispositionApproved:
		if g.dispatch != nil {
			g.dispatch.Enqueue(m.report)
		}
	}
	return nil
}

func ids(reports []domain.ErrorReport) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.ID
	}
	return out
}
