package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	recoverSpec       = "@every 5m"
	heartbeatInterval = time.Minute
)

// runCancelRegistry maps a run id to the cancel func of the handler
// executing it on this instance.
var runCancelRegistry = struct {
	sync.RWMutex
	m map[string]context.CancelFunc
}{
	m: make(map[string]context.CancelFunc),
}

func RegisterRunCancel(runID string, cancel context.CancelFunc) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	runCancelRegistry.m[runID] = cancel
}

func UnregisterRunCancel(runID string) {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	delete(runCancelRegistry.m, runID)
}

// IsRunActive reports whether this instance is executing runID.
func IsRunActive(runID string) bool {
	runCancelRegistry.RLock()
	defer runCancelRegistry.RUnlock()
	_, ok := runCancelRegistry.m[runID]
	return ok
}

// CancelLocalRun cancels runID if this instance executes it.
func CancelLocalRun(runID string) bool {
	runCancelRegistry.Lock()
	defer runCancelRegistry.Unlock()
	if cancel, ok := runCancelRegistry.m[runID]; ok {
		cancel()
		delete(runCancelRegistry.m, runID)
		return true
	}
	return false
}

// taskInspector is the part of *asynq.Inspector cancellation needs.
type taskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// CancelRun stops run wherever it is: on this instance, on another worker
// through the inspector, or still waiting in the queue. running reports
// whether an executing handler was signalled and will record the
// cancelled status itself; otherwise the caller owns the run row.
func CancelRun(run *models.PipelineRun) (running bool, err error) {
	if CancelLocalRun(run.ID) {
		return true, nil
	}
	if Inspector == nil {
		return false, errors.New("queue inspector not initialised")
	}
	return cancelTask(Inspector, run.QueueTaskID())
}

func cancelTask(ins taskInspector, taskID string) (bool, error) {
	info, err := ins.GetTaskInfo(defaultQueue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		log.Printf("[Queue] task %s not found, nothing to stop", taskID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	switch info.State {
	case asynq.TaskStateActive:
		if err := ins.CancelProcessing(taskID); err != nil {
			return false, fmt.Errorf("cancel task %s: %w", taskID, err)
		}
		log.Printf("[Queue] task %s cancellation published", taskID)
		return true, nil
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		if err := ins.DeleteTask(defaultQueue, taskID); err != nil {
			return false, fmt.Errorf("delete task %s: %w", taskID, err)
		}
		log.Printf("[Queue] task %s removed before start", taskID)
		return false, nil
	}
	// completed or archived: no handler will pick the run up again
	log.Printf("[Queue] task %s already %s", taskID, info.State)
	return false, nil
}

// Processor consumes pipeline tasks.
type Processor struct {
	DB       *gorm.DB
	Redis    redis.UniversalClient
	Pipeline *Pipeline
}

func NewProcessor(db *gorm.DB, rdb redis.UniversalClient, pipeline *Pipeline) *Processor {
	return &Processor{DB: db, Redis: rdb, Pipeline: pipeline}
}

// StartProcessor starts the task consumer and the periodic recovery sweep.
func (p *Processor) StartProcessor(concurrency int) {
	srv := asynq.NewServer(
		redisOpt(),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				defaultQueue: 1,
			},
		},
	)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypePipelineRun, p.HandleRunTask)
	mux.HandleFunc(TypePipelineRecover, p.HandleRecoverTask)

	log.Printf("[Queue] starting processor with concurrency %d", concurrency)
	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatalf("could not run server: %v", err)
		}
	}()

	scheduler := asynq.NewScheduler(redisOpt(), nil)
	if _, err := scheduler.Register(recoverSpec, asynq.NewTask(TypePipelineRecover, nil, asynq.MaxRetry(0))); err != nil {
		log.Fatalf("could not register recovery sweep: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("could not start scheduler: %v", err)
	}
}

func (p *Processor) HandleRunTask(ctx context.Context, t *asynq.Task) error {
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	run, err := models.GetRunByIDGorm(p.DB, payload.RunID)
	if err != nil {
		return fmt.Errorf("run not found: %v: %w", err, asynq.SkipRetry)
	}
	switch run.Status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		log.Printf("[Queue] run %s already %s, skipping", run.ID, run.Status)
		return nil
	}
	project, err := models.GetProjectByIDGorm(p.DB, run.ProjectId)
	if err != nil {
		run.UpdateStatus(p.DB, models.RunStatusFailed, nil, CodeInternal, "project not found")
		return fmt.Errorf("project not found: %v: %w", err, asynq.SkipRetry)
	}

	log.Printf("[Queue] processing run %s for project %s (resume=%v)", run.ID, project.ID, payload.Resume)
	if err := run.UpdateStatus(p.DB, models.RunStatusRunning, nil, "", ""); err != nil {
		log.Printf("[Queue] update run status failed: %v", err)
	}
	models.UpdateProjectStatus(p.DB, project.ID, models.ProjectStatusRunning)

	runCtx, cancel := context.WithCancel(ctx)
	RegisterRunCancel(run.ID, cancel)
	defer UnregisterRunCancel(run.ID)
	defer cancel()

	if payload.Resume && p.Redis != nil {
		p.Redis.Del(runCtx, EventStreamKey(run.ID))
	}
	progress := &runProgressSink{db: p.DB, run: run}
	sinks := []Sink{progress}
	if p.Redis != nil {
		sinks = append([]Sink{NewRedisSink(p.Redis, run.ID)}, sinks...)
	}
	go p.heartbeat(runCtx, run.ID)

	summary, err := p.Pipeline.Run(runCtx, RunRequest{
		RunID:       run.ID,
		ProjectName: project.Title,
		Brief:       project.Brief(),
		Config:      run.Config,
		Sinks:       sinks,
		Store:       models.NewGormGraphStore(p.DB, run.ID),
	})

	status, projectStatus := models.RunStatusCompleted, models.ProjectStatusGenerated
	code, msg := "", ""
	if err != nil {
		code, msg = ErrorCode(err), err.Error()
		status, projectStatus = models.RunStatusFailed, models.ProjectStatusFailed
		if code == CodeCancelled {
			status = models.RunStatusCancelled
		}
	}
	if err := run.UpdateStatus(p.DB, status, &summary, code, msg); err != nil {
		log.Printf("[Queue] update run status failed: %v", err)
	}
	models.UpdateProjectStatus(p.DB, project.ID, projectStatus)
	log.Printf("[Queue] run %s finished: %s", run.ID, status)
	return nil
}

func (p *Processor) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.DB.Model(&models.PipelineRun{}).Where("id = ?", runID).Update("updated_at", time.Now())
		}
	}
}

// HandleRecoverTask re-queues runs left running by a dead process.
func (p *Processor) HandleRecoverTask(ctx context.Context, t *asynq.Task) error {
	minutes := config.Default().Pipeline.RecoverAfterMinutes
	if config.AppConfig != nil && config.AppConfig.Pipeline.RecoverAfterMinutes > 0 {
		minutes = config.AppConfig.Pipeline.RecoverAfterMinutes
	}
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	runs, err := models.ListStaleRuns(p.DB.WithContext(ctx), cutoff)
	if err != nil {
		return fmt.Errorf("list stale runs: %w", err)
	}
	for _, run := range runs {
		if IsRunActive(run.ID) {
			continue
		}
		log.Printf("[Queue] recovering stale run %s (last heartbeat %s)", run.ID, run.UpdatedAt.Format(time.RFC3339))
		// pushes the heartbeat so the next sweep leaves it alone while queued
		p.DB.Model(&models.PipelineRun{}).Where("id = ?", run.ID).Update("updated_at", time.Now())
		if err := EnqueueRun(p.DB, run.ID, true); err != nil {
			log.Printf("[Queue] recover run %s failed: %v", run.ID, err)
		}
	}
	return nil
}

// runProgressSink mirrors phase and progress onto the run row.
type runProgressSink struct {
	db    *gorm.DB
	run   *models.PipelineRun
	phase string
}

func (s *runProgressSink) Publish(ev models.Event) error {
	switch ev.Type {
	case models.EventPhaseStart:
		s.phase = ev.Phase
		return s.run.Touch(s.db, s.phase, 0)
	case models.EventProgress:
		if ev.Progress != nil {
			return s.run.Touch(s.db, s.phase, ev.Progress.Percent)
		}
	}
	return nil
}
