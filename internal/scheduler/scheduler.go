// Package scheduler triggers the daily pipeline and the weekly outcome
// assessment on cron schedules. A run already in flight is skipped, not
// queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

// Pipeline is the slice of the orchestrator the scheduler drives.
type Pipeline interface {
	Run(ctx context.Context, trigger models.Trigger) (*models.PipelineRun, error)
}

// Assessor fills outcomes on aged decisions.
type Assessor interface {
	AssessOutcomes(ctx context.Context, scope models.RunScope, now time.Time) (int, error)
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cron     *cron.Cron
	pipeline Pipeline
	assessor Assessor
	log      *zap.Logger
}

// New wires the two jobs: the pipeline every weekday at the configured
// time, outcome assessment on Saturday mornings.
func New(cfg config.PipelineConfig, p Pipeline, a Assessor, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		pipeline: p,
		assessor: a,
		log:      log.Named("scheduler"),
	}

	daily := fmt.Sprintf("%d %d * * 1-5", cfg.ScheduleMinute, cfg.ScheduleHour)
	if _, err := s.cron.AddFunc(daily, s.runPipeline); err != nil {
		return nil, fmt.Errorf("register daily job %q: %w", daily, err)
	}
	if _, err := s.cron.AddFunc("0 9 * * 6", s.assessOutcomes); err != nil {
		return nil, fmt.Errorf("register assessment job: %w", err)
	}
	return s, nil
}

// Start launches the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runPipeline() {
	run, err := s.pipeline.Run(context.Background(), models.TriggerSchedule)
	if errors.Is(err, models.ErrAlreadyRunning) {
		s.log.Warn("skipping scheduled run, previous one still in flight")
		return
	}
	if err != nil {
		s.log.Error("scheduled run failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled run finished",
		zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
}

func (s *Scheduler) assessOutcomes() {
	n, err := s.assessor.AssessOutcomes(context.Background(), models.LiveScope(), time.Now())
	if err != nil {
		s.log.Error("outcome assessment failed", zap.Error(err))
		return
	}
	s.log.Info("outcome assessment done", zap.Int("assessed", n))
}
