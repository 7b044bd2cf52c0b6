// Package refresh periodically asks print-workers to resend their printer lists
// and pushes the re-aggregated directory to requesters.
package refresh

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"hiprint/transit/internal/fabric"
	"hiprint/transit/internal/logging"
	"hiprint/transit/internal/networking"
	"hiprint/transit/internal/protocol"
)

// Publisher multicasts frames to a group.
type Publisher interface {
	Publish(key fabric.GroupKey, frame []byte) int
}

// Directory produces the aggregated printer directory of a tenant.
type Directory interface {
	Printers(tenant string) []map[string]any
}

// TenantLister enumerates the tenants that currently hold connections.
type TenantLister interface {
	Tenants() []string
}

// Scheduler drives refresh cycles. Concurrent cycles for the same tenant collapse
// into one.
type Scheduler struct {
	interval  time.Duration
	settle    time.Duration
	tenants   TenantLister
	directory Directory
	publisher Publisher
	metrics   *networking.RelayMetrics
	log       *logging.Logger
	flights   singleflight.Group
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithMetrics records every completed cycle.
func WithMetrics(metrics *networking.RelayMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithLogger overrides the scheduler logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.log = logger
		}
	}
}

// New constructs a scheduler. interval is the period of Run and settle the delay
// between asking workers and aggregating their answers.
func New(interval, settle time.Duration, tenants TenantLister, directory Directory, publisher Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval:  interval,
		settle:    settle,
		tenants:   tenants,
		directory: directory,
		publisher: publisher,
		log:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.With(logging.String("component", "refresh"))
	return s
}

// Run refreshes every tenant once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// RefreshAll runs one cycle per known tenant concurrently and waits for them.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	tenants := s.tenants.Tenants()
	if len(tenants) == 0 {
		return
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, tenant := range tenants {
		tenant := tenant
		group.Go(func() error {
			_, err := s.Cycle(groupCtx, tenant)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		s.log.Debug("refresh round interrupted", logging.Error(err))
		return
	}
	s.log.Debug("refresh round complete", logging.Int("tenants", len(tenants)))
}

// Cycle asks the tenant's workers to resend their printer lists, waits the settle
// delay and publishes the aggregated directory to the tenant's requesters. It
// returns the number of requesters reached. Callers arriving while a cycle for the
// same tenant is in flight share its result.
func (s *Scheduler) Cycle(ctx context.Context, tenant string) (int, error) {
	result, err, _ := s.flights.Do(tenant, func() (any, error) {
		return s.cycle(ctx, tenant)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (s *Scheduler) cycle(ctx context.Context, tenant string) (int, error) {
	//1.- Ask every worker to resend its list; known lists stay in place meanwhile.
	asked := s.publisher.Publish(fabric.WorkerGroup(tenant), protocol.MustEncode(protocol.EventRefreshPrinterList, nil))

	//2.- Give the workers time to answer before aggregating.
	if s.settle > 0 {
		timer := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	//3.- Push whatever state exists now, non-responders included.
	frame, err := protocol.Encode(protocol.EventPrinterList, s.directory.Printers(tenant))
	if err != nil {
		return 0, err
	}
	pushes := s.publisher.Publish(fabric.RequesterGroup(tenant), frame)
	s.metrics.ObserveRefresh(tenant, pushes)
	s.log.Debug("refresh cycle complete",
		logging.String("tenant", tenant),
		logging.Int("workers", asked),
		logging.Int("requesters", pushes),
	)
	return pushes, nil
}
