// Package delivery uploads approved reports and their attachments.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bft-labs/crashship/internal/domain"
	"github.com/bft-labs/crashship/internal/ports"
)

// Config holds delivery tuning.
type Config struct {
	Workers int

	// UploadsPerSecond paces uploads; zero disables pacing.
	UploadsPerSecond float64
	UploadBurst      int

	// GatePoll is how long to wait before asking the resource gate again.
	GatePoll time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithAttachmentProvider adds host-provided attachments to every report.
func WithAttachmentProvider(p ports.AttachmentProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithResourceGate makes every upload wait until the gate allows it.
func WithResourceGate(g ports.ResourceGate) Option {
	return func(e *Engine) { e.resources = g }
}

// WithMetrics records upload metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs uploads on a bounded worker pool. Distinct reports upload
// concurrently; one report never has two uploads outstanding.
type Engine struct {
	cfg       Config
	ingest    ports.Ingestion
	store     ports.ReportStore
	delegate  ports.Delegate
	provider  ports.AttachmentProvider
	resources ports.ResourceGate
	limiter   *rate.Limiter
	metrics   *Metrics
	logger    ports.Logger

	group singleflight.Group

	mu       sync.Mutex
	queue    []domain.ErrorReport
	queued   map[string]bool
	inflight map[string]bool
	idle     chan struct{}
	wake     chan struct{}
	done     chan struct{}
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an engine. Call Start to run the workers.
func New(cfg Config, ingest ports.Ingestion, store ports.ReportStore, delegate ports.Delegate, logger ports.Logger, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.GatePoll <= 0 {
		cfg.GatePoll = 5 * time.Second
	}
	if delegate == nil {
		delegate = ports.NopDelegate{}
	}
	limit, burst := rate.Inf, cfg.UploadBurst
	if cfg.UploadsPerSecond > 0 {
		limit = rate.Limit(cfg.UploadsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	idle := make(chan struct{})
	close(idle)

	e := &Engine{
		cfg:      cfg,
		ingest:   ingest,
		store:    store,
		delegate: delegate,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  NewMetrics(nil),
		logger:   logger,
		queued:   make(map[string]bool),
		inflight: make(map[string]bool),
		idle:     idle,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start launches the workers. They run until Close or until ctx ends;
// after that the engine accepts no more reports.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return domain.ErrAlreadyRunning
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.done = make(chan struct{})
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
	go e.reap()
	return nil
}

// reap closes the engine once every worker has returned.
func (e *Engine) reap() {
	e.wg.Wait()
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.logger.Warn("delivery workers exited, queued reports stay on disk",
			ports.Int("queued", len(e.queue)))
	}
	close(e.done)
	e.mu.Unlock()
}

// Enqueue schedules an approved report. A report already queued or
// uploading is ignored.
func (e *Engine) Enqueue(report domain.ErrorReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.logger.Debug("delivery closed, report stays on disk", ports.String("id", report.ID))
		return
	}
	if e.queued[report.ID] || e.inflight[report.ID] {
		return
	}
	e.markBusyLocked()
	e.queue = append(e.queue, report)
	e.queued[report.ID] = true
	e.metrics.queueDepth.Set(float64(len(e.queue)))

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Drop removes a report that has not started uploading. It returns false
// when the report is not queued, including while it is uploading.
func (e *Engine) Drop(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.queued[id] {
		return false
	}
	for i, r := range e.queue {
		if r.ID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	delete(e.queued, id)
	e.metrics.queueDepth.Set(float64(len(e.queue)))
	e.markIdleLocked()
	return true
}

// InFlight reports whether an upload for id is running.
func (e *Engine) InFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[id]
}

// Flush blocks until the queue is empty and no upload is running. It
// fails with domain.ErrNotRunning when the workers exit first.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	idle, done := e.idle, e.done
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-done:
		select {
		case <-idle:
			return nil
		default:
			return fmt.Errorf("flush: %w", domain.ErrNotRunning)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after their current upload. Queued reports stay
// on disk and are picked up on the next launch.
func (e *Engine) Close(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return domain.ErrShutdownTimeout
	}
}

func (e *Engine) markBusyLocked() {
	if len(e.queue) == 0 && len(e.inflight) == 0 {
		e.idle = make(chan struct{})
	}
}

func (e *Engine) markIdleLocked() {
	if len(e.queue) == 0 && len(e.inflight) == 0 {
		select {
		case <-e.idle:
		default:
			close(e.idle)
		}
	}
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		report, ok := e.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		if err := e.Deliver(ctx, report); err != nil {
			e.logger.Debug("delivery ended with error", ports.String("id", report.ID), ports.Err(err))
		}
		e.mu.Lock()
		delete(e.inflight, report.ID)
		e.metrics.inFlight.Set(float64(len(e.inflight)))
		e.markIdleLocked()
		e.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the oldest queued report and marks it in flight.
func (e *Engine) next() (domain.ErrorReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 || e.closed {
		return domain.ErrorReport{}, false
	}
	r := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.queued, r.ID)
	e.inflight[r.ID] = true
	e.metrics.queueDepth.Set(float64(len(e.queue)))
	e.metrics.inFlight.Set(float64(len(e.inflight)))
	if len(e.queue) > 0 {
		// Wake another worker for the rest of the queue.
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	return r, true
}

// Deliver uploads one report and then its attachments. Concurrent calls
// for the same id share a single upload.
func (e *Engine) Deliver(ctx context.Context, report domain.ErrorReport) error {
	_, err, _ := e.group.Do(report.ID, func() (interface{}, error) {
		return nil, e.upload(ctx, report)
	})
	return err
}

func (e *Engine) upload(ctx context.Context, report domain.ErrorReport) error {
	if _, err := e.store.Get(ctx, report.ID); errors.Is(err, domain.ErrNotFound) {
		// Already delivered or discarded.
		return nil
	}
	if err := e.waitForResources(ctx); err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	// From here on the upload runs to completion.
	ctx = context.WithoutCancel(ctx)

	e.delegate.WillSend(report)
	start := time.Now()
	err := e.ingest.Send(ctx, domain.NewErrorLog(report))
	e.metrics.duration.WithLabelValues(kindReport).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, domain.ErrPermanentDelivery) {
			e.metrics.uploads.WithLabelValues(kindReport, outcomePermanent).Inc()
			e.logger.Error("report rejected, dropping",
				ports.String("id", report.ID), ports.Err(err))
			if derr := e.store.DeleteCascade(ctx, report.ID); derr != nil {
				e.logger.Warn("failed to delete rejected report", ports.String("id", report.ID), ports.Err(derr))
			}
		} else {
			e.metrics.uploads.WithLabelValues(kindReport, outcomeTransient).Inc()
			e.logger.Warn("report upload failed, will retry next launch",
				ports.String("id", report.ID), ports.Err(err))
		}
		e.delegate.DidFailSending(report, err)
		return fmt.Errorf("upload %s: %w", report.ID, err)
	}

	e.metrics.uploads.WithLabelValues(kindReport, outcomeSuccess).Inc()
	e.logger.Info("report delivered",
		ports.String("id", report.ID), ports.Duration("duration", time.Since(start)))
	e.delegate.DidSucceedSending(report)

	atts := e.attachments(ctx, report)
	if err := e.store.DeleteCascade(ctx, report.ID); err != nil {
		e.logger.Warn("failed to delete delivered report", ports.String("id", report.ID), ports.Err(err))
	}

	for _, att := range atts {
		e.sendAttachment(ctx, att)
	}
	return nil
}

// attachments collects the stored attachments and those of the provider.
// They are read after the report is acked and before it is deleted.
func (e *Engine) attachments(ctx context.Context, report domain.ErrorReport) []domain.ErrorAttachmentLog {
	atts, err := e.store.Attachments(ctx, report.ID)
	if err != nil {
		e.logger.Warn("failed to load attachments", ports.String("id", report.ID), ports.Err(err))
	}
	if e.provider == nil {
		return atts
	}
	for _, att := range e.provider.AttachmentsFor(report) {
		att = att.ForReport(report.ID)
		if err := att.Validate(); err != nil {
			e.logger.Warn("skipping invalid attachment", ports.String("id", report.ID), ports.Err(err))
			continue
		}
		atts = append(atts, att)
	}
	return atts
}

func (e *Engine) sendAttachment(ctx context.Context, att domain.ErrorAttachmentLog) {
	if err := e.limiter.Wait(ctx); err != nil {
		return
	}
	start := time.Now()
	err := e.ingest.Send(ctx, att)
	e.metrics.duration.WithLabelValues(kindAttachment).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		e.metrics.uploads.WithLabelValues(kindAttachment, outcomeSuccess).Inc()
	case errors.Is(err, domain.ErrPermanentDelivery):
		e.metrics.uploads.WithLabelValues(kindAttachment, outcomePermanent).Inc()
		e.logger.Warn("attachment rejected",
			ports.String("id", att.ID), ports.String("report", att.ErrorID), ports.Err(err))
	default:
		e.metrics.uploads.WithLabelValues(kindAttachment, outcomeTransient).Inc()
		e.logger.Warn("attachment upload failed",
			ports.String("id", att.ID), ports.String("report", att.ErrorID), ports.Err(err))
	}
}

func (e *Engine) waitForResources(ctx context.Context) error {
	if e.resources == nil {
		return nil
	}
	for !e.resources.OK() {
		e.logger.Debug("resources constrained, delaying upload")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.GatePoll):
		}
	}
	return nil
}
