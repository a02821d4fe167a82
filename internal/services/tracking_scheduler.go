package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gitshopapp/fulfillment/internal/logging"
	"github.com/gitshopapp/fulfillment/internal/models"
)

const (
	defaultPollInterval      = 5 * time.Minute
	defaultReconcileInterval = time.Minute
	defaultTrackingWorkers   = 8
)

type activeShipmentLister interface {
	ListActiveShipments(ctx context.Context) ([]models.Shipment, error)
}

type trackingReconciler interface {
	Reconcile(ctx context.Context, awbNumber string) ([]models.TrackingEvent, error)
}

type pendingShipmentResumer interface {
	ResumePending(ctx context.Context) (int, error)
}

type TrackingSchedulerConfig struct {
	Shipments activeShipmentLister
	Tracker   trackingReconciler
	// Resumer is optional.
	Resumer           pendingShipmentResumer
	PollInterval      time.Duration
	MaxPollInterval   time.Duration
	ReconcileInterval time.Duration
	Concurrency       int
	Logger            *slog.Logger
}

// TrackingScheduler polls every active shipment. An AWB whose poll yields
// nothing new waits twice as long before the next one, up to the max interval.
type TrackingScheduler struct {
	shipments         activeShipmentLister
	tracker           trackingReconciler
	resumer           pendingShipmentResumer
	pollInterval      time.Duration
	maxPollInterval   time.Duration
	reconcileInterval time.Duration
	concurrency       int
	logger            *slog.Logger
	now               func() time.Time

	mu    sync.Mutex
	state map[string]*pollState
}

type pollState struct {
	interval time.Duration
	nextAt   time.Time
}

func NewTrackingScheduler(cfg TrackingSchedulerConfig) *TrackingScheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxPoll := cfg.MaxPollInterval
	if maxPoll < poll {
		maxPoll = poll
	}
	reconcile := cfg.ReconcileInterval
	if reconcile <= 0 {
		reconcile = defaultReconcileInterval
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = defaultTrackingWorkers
	}
	return &TrackingScheduler{
		shipments:         cfg.Shipments,
		tracker:           cfg.Tracker,
		resumer:           cfg.Resumer,
		pollInterval:      poll,
		maxPollInterval:   maxPoll,
		reconcileInterval: reconcile,
		concurrency:       workers,
		logger:            logger.With("component", "tracking_scheduler"),
		now:               time.Now,
		state:             make(map[string]*pollState),
	}
}

// Run polls until ctx is cancelled.
func (s *TrackingScheduler) Run(ctx context.Context) error {
	s.logger.Info("tracking scheduler started",
		"poll_interval", s.pollInterval.String(),
		"max_poll_interval", s.maxPollInterval.String(),
	)
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	resume := time.NewTicker(s.reconcileInterval)
	defer resume.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("tracking scheduler stopped")
			return ctx.Err()
		case <-poll.C:
			s.RunOnce(ctx)
		case <-resume.C:
			s.resumePending(ctx)
		}
	}
}

// RunOnce reconciles the shipments that are due and returns how many were polled.
func (s *TrackingScheduler) RunOnce(ctx context.Context) int {
	shipments, err := s.shipments.ListActiveShipments(ctx)
	if err != nil {
		s.logger.Warn("failed to list active shipments", "error", err)
		return 0
	}

	due := s.due(shipments)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, awbNumber := range due {
		g.Go(func() error {
			added, err := s.tracker.Reconcile(ctx, awbNumber)
			if err != nil {
				s.logger.Warn("tracking reconciliation failed", "awb_number", awbNumber, "error", err)
			}
			s.reschedule(awbNumber, err == nil && len(added) > 0)
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// due returns the AWBs whose next poll has arrived and forgets AWBs that are
// no longer active.
func (s *TrackingScheduler) due(shipments []models.Shipment) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	active := make(map[string]struct{}, len(shipments))
	var due []string
	for _, shipment := range shipments {
		active[shipment.AWBNumber] = struct{}{}
		state, ok := s.state[shipment.AWBNumber]
		if !ok {
			state = &pollState{interval: s.pollInterval}
			s.state[shipment.AWBNumber] = state
		}
		if !now.Before(state.nextAt) {
			due = append(due, shipment.AWBNumber)
		}
	}
	for awbNumber := range s.state {
		if _, ok := active[awbNumber]; !ok {
			delete(s.state, awbNumber)
		}
	}
	return due
}

func (s *TrackingScheduler) reschedule(awbNumber string, progressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.state[awbNumber]
	if !ok {
		return
	}
	if progressed {
		state.interval = s.pollInterval
	} else {
		state.interval = min(state.interval*2, s.maxPollInterval)
	}
	state.nextAt = s.now().Add(state.interval)
}

func (s *TrackingScheduler) resumePending(ctx context.Context) {
	if s.resumer == nil {
		return
	}
	resumed, err := s.resumer.ResumePending(ctx)
	if err != nil {
		s.logger.Warn("failed to resume pending shipments", "error", err)
	}
	if resumed > 0 {
		s.logger.Info("resumed pending shipments", "count", resumed)
	}
}
