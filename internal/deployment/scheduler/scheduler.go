// Package scheduler fires deployments on a cron expression or fixed
// interval, the automatic counterpart to manual and API-triggered
// dispatch.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
	"github.com/loomctl/loom/internal/deployment/store"
	"github.com/loomctl/loom/internal/loomerr"
	"github.com/loomctl/loom/pkg/types"
)

// Fire is invoked when a deployment's schedule fires. Implementations
// run the Design DAG Executor against the deployment's design with an
// empty input and record an ExecutionLog with trigger "scheduled".
type Fire func(ctx context.Context, deployment *types.Deployment)

// Scheduler wraps a robfig/cron runner with deployment-shaped
// registration: one entry per deployment, keyed by deployment ID so a
// later update can remove the old entry before adding the new one.
type Scheduler struct {
	cron         *cron.Cron
	store        *store.Store
	logger       *logger.Logger
	fire         Fire
	drainTimeout time.Duration

	mu      sync.Mutex
	running bool
	entries map[string]cron.EntryID
}

// New builds a Scheduler. Its cron parser accepts both 5-field
// (minute-resolution) and 6-field (second-resolution) expressions plus
// the "@every"/"@hourly" style descriptors.
func New(st *store.Store, fire Fire, log *logger.Logger) *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:         cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		store:        st,
		logger:       log.WithFields(zap.String("component", "deployment_scheduler")),
		fire:         fire,
		drainTimeout: 30 * time.Second,
		entries:      make(map[string]cron.EntryID),
	}
}

// Start loads every active, scheduled deployment and registers it,
// then starts the cron runner. It must be called exactly once per
// service lifetime.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return loomerr.New(loomerr.KindScheduler, "deployment scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	deployments, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active deployments: %w", err)
	}

	registered := 0
	for _, d := range deployments {
		if d.Schedule == nil {
			continue
		}
		if err := s.Register(d); err != nil {
			s.logger.Error("failed to register deployment schedule at startup",
				zap.String("deployment_id", d.ID), zap.Error(err))
			continue
		}
		registered++
	}

	s.cron.Start()
	s.logger.Info("deployment scheduler started", zap.Int("registered", registered))
	return nil
}

// Stop halts the cron runner, waiting up to its drain timeout for any
// in-flight fire to finish before returning.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return loomerr.New(loomerr.KindScheduler, "deployment scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	drainCtx := s.cron.Stop()
	select {
	case <-drainCtx.Done():
	case <-time.After(s.drainTimeout):
		s.logger.Warn("deployment scheduler drain timed out", zap.Duration("timeout", s.drainTimeout))
	}
	s.logger.Info("deployment scheduler stopped")
	return nil
}

// Register installs or replaces deployment d's scheduled job. The old
// registration, if any, is removed before the new one is added, so a
// deployment never briefly fires under two competing schedules. If
// adding the new entry fails the deployment is left unscheduled; the
// caller owns rolling back whatever persisted change triggered this
// call (the "remove-then-add with compensation" contract).
func (s *Scheduler) Register(d *types.Deployment) error {
	if d.Schedule == nil {
		s.Deregister(d.ID)
		return nil
	}
	spec, err := cronSpec(d.Schedule)
	if err != nil {
		return loomerr.Wrap(loomerr.KindScheduler, "invalid schedule for deployment "+d.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[d.ID]; ok {
		s.cron.Remove(old)
		delete(s.entries, d.ID)
	}

	deploymentID := d.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("deployment schedule fired", zap.String("deployment_id", deploymentID))
		s.fire(context.Background(), d)
	})
	if err != nil {
		return loomerr.Wrap(loomerr.KindScheduler, "failed to register schedule for deployment "+d.ID, err)
	}
	s.entries[d.ID] = entryID
	return nil
}

// Deregister removes a deployment's scheduled job, if one exists. Safe
// to call for a deployment with no active registration.
func (s *Scheduler) Deregister(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[deploymentID]; ok {
		s.cron.Remove(id)
		delete(s.entries, deploymentID)
	}
}

// Registered reports whether deploymentID currently has a live entry.
func (s *Scheduler) Registered(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[deploymentID]
	return ok
}

func cronSpec(sched *types.Schedule) (string, error) {
	var base string
	switch sched.Kind {
	case types.ScheduleCron:
		if sched.CronExpr == "" {
			return "", fmt.Errorf("cron schedule requires a cron_expr")
		}
		base = sched.CronExpr
		if sched.Timezone != "" && sched.Timezone != "UTC" {
			base = fmt.Sprintf("CRON_TZ=%s %s", sched.Timezone, base)
		}
		return base, nil
	case types.ScheduleInterval:
		abbrev, err := intervalUnitAbbrev(sched.IntervalUnit)
		if err != nil {
			return "", err
		}
		if sched.IntervalCount <= 0 {
			return "", fmt.Errorf("interval schedule requires a positive interval_count")
		}
		return fmt.Sprintf("@every %d%s", sched.IntervalCount, abbrev), nil
	default:
		return "", fmt.Errorf("unknown schedule kind: %s", sched.Kind)
	}
}

func intervalUnitAbbrev(unit string) (string, error) {
	switch unit {
	case "second":
		return "s", nil
	case "minute":
		return "m", nil
	case "hour":
		return "h", nil
	default:
		return "", fmt.Errorf("unknown interval unit: %s", unit)
	}
}
