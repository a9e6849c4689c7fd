// Package scheduler runs the periodic status poll: documents sent to the tax
// authority are re-queried and failed ones retried, one tenant at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/dte/internal/domain/compliance"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/erp/dte/scheduler"

// PendingSource lists tenants that have documents awaiting the authority
type PendingSource interface {
	ListTenantsWithPending(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// TenantPoller re-queries and retries one tenant's pending documents
type TenantPoller interface {
	PollPending(ctx context.Context, tenantID uuid.UUID) (*compliance.BulkResult, error)
}

// StatusPollerConfig holds status poller configuration
type StatusPollerConfig struct {
	Interval    time.Duration
	TimeBox     time.Duration // upper bound of one tenant's poll
	TenantLimit int           // tenants considered per tick, 0 for all
	Workers     int
	QueueSize   int
}

// DefaultStatusPollerConfig returns default status poller configuration
func DefaultStatusPollerConfig() StatusPollerConfig {
	return StatusPollerConfig{
		Interval:    5 * time.Minute,
		TimeBox:     2 * time.Minute,
		TenantLimit: 500,
		Workers:     2,
		QueueSize:   100,
	}
}

// StatusPollerConfigFrom derives the poller configuration from the lifecycle settings
func StatusPollerConfigFrom(cfg config.LifecycleConfig) StatusPollerConfig {
	c := DefaultStatusPollerConfig()
	if cfg.PollInterval > 0 {
		c.Interval = cfg.PollInterval
	}
	if cfg.PollTimeBox > 0 {
		c.TimeBox = cfg.PollTimeBox
	}
	if cfg.PollTenantLimit > 0 {
		c.TenantLimit = cfg.PollTenantLimit
	}
	return c
}

func (c StatusPollerConfig) validate() error {
	if c.Interval <= 0 || c.TimeBox <= 0 || c.Workers <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("%w: interval, time box, workers and queue size must be positive", ErrInvalidConfig)
	}
	return nil
}

// StatusPoller periodically polls every tenant with pending documents.
// A tenant is never polled by two workers at once.
type StatusPoller struct {
	config StatusPollerConfig
	source PendingSource
	poller TenantPoller
	logger *zap.Logger

	jobs      chan uuid.UUID
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	inFlight  map[uuid.UUID]struct{}

	meterProvider metric.MeterProvider
	pollDuration  metric.Float64Histogram
	pollDocuments metric.Int64Counter
}

// StatusPollerOption configures a StatusPoller
type StatusPollerOption func(*StatusPoller)

// WithMeterProvider sets the provider for the poll duration and outcome
// instruments. The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) StatusPollerOption {
	return func(p *StatusPoller) {
		p.meterProvider = mp
	}
}

// NewStatusPoller creates a new status poller
func NewStatusPoller(config StatusPollerConfig, source PendingSource, poller TenantPoller, logger *zap.Logger, opts ...StatusPollerOption) (*StatusPoller, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &StatusPoller{
		config:        config,
		source:        source,
		poller:        poller,
		logger:        logger,
		inFlight:      make(map[uuid.UUID]struct{}),
		meterProvider: otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(p)
	}

	meter := p.meterProvider.Meter(meterName)
	var err error
	p.pollDuration, err = meter.Float64Histogram("dte.status_poll.duration",
		metric.WithDescription("Duration of one tenant's status poll"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create poll duration histogram: %w", err)
	}
	p.pollDocuments, err = meter.Int64Counter("dte.status_poll.documents",
		metric.WithDescription("Documents re-queried or retried by the status poller"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create poll documents counter: %w", err)
	}
	return p, nil
}

// Start launches the ticker loop and the worker pool
func (p *StatusPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = true
	p.jobs = make(chan uuid.UUID, p.config.QueueSize)
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := range p.config.Workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.runLoop(ctx)

	p.logger.Info("Status poller started",
		zap.Duration("interval", p.config.Interval),
		zap.Duration("time_box", p.config.TimeBox),
		zap.Int("workers", p.config.Workers),
	)
	return nil
}

// Stop cancels in-flight polls and waits for the workers, bounded by ctx
func (p *StatusPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Status poller stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Status poller stop timed out")
		return ctx.Err()
	}
}

// IsRunning reports whether the poller was started and not stopped
func (p *StatusPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRunning
}

func (p *StatusPoller) runLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Trigger(ctx); err != nil {
				p.logger.Error("Failed to schedule status poll", zap.Error(err))
			}
		}
	}
}

// Trigger queues every tenant with pending documents and returns how many
// were queued. Tenants already queued or being polled are skipped.
func (p *StatusPoller) Trigger(ctx context.Context) (int, error) {
	if !p.IsRunning() {
		return 0, ErrPollerNotRunning
	}
	tenants, err := p.source.ListTenantsWithPending(ctx, p.config.TenantLimit)
	if err != nil {
		return 0, fmt.Errorf("list tenants with pending documents: %w", err)
	}

	queued := 0
	for _, tenantID := range tenants {
		if err := p.submit(tenantID); err != nil {
			if errors.Is(err, ErrPollQueueFull) {
				p.logger.Warn("Status poll queue full, remaining tenants wait for the next tick",
					zap.Int("skipped", len(tenants)-queued))
				return queued, nil
			}
			continue
		}
		queued++
	}
	p.logger.Debug("Status poll scheduled", zap.Int("tenants", queued))
	return queued, nil
}

var errAlreadyQueued = errors.New("tenant already queued")

func (p *StatusPoller) submit(tenantID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isRunning {
		return ErrPollerNotRunning
	}
	if _, busy := p.inFlight[tenantID]; busy {
		return errAlreadyQueued
	}
	select {
	case p.jobs <- tenantID:
		p.inFlight[tenantID] = struct{}{}
		return nil
	default:
		return ErrPollQueueFull
	}
}

func (p *StatusPoller) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-p.jobs:
			p.pollTenant(ctx, tenantID, workerID)
		}
	}
}

func (p *StatusPoller) pollTenant(ctx context.Context, tenantID uuid.UUID, workerID int) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, tenantID)
		p.mu.Unlock()
	}()

	log := p.logger.With(zap.Int("worker_id", workerID), zap.String("tenant_id", tenantID.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Status poll panicked", zap.Any("panic", r))
		}
	}()

	pollCtx, cancel := context.WithTimeout(ctx, p.config.TimeBox)
	defer cancel()

	started := time.Now()
	var (
		result *compliance.BulkResult
		err    error
	)
	telemetry.ProfileTenantOperation(pollCtx, tenantID, "status_poll", func(ctx context.Context) {
		result, err = p.poller.PollPending(ctx, tenantID)
	})
	elapsed := time.Since(started)
	if err != nil {
		p.pollDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", "error")))
		log.Error("Status poll failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	p.pollDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", "ok")))
	p.pollDocuments.Add(ctx, int64(result.Succeeded), metric.WithAttributes(attribute.String("outcome", "succeeded")))
	p.pollDocuments.Add(ctx, int64(result.Failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	log.Info("Status poll completed",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", elapsed),
	)
}
