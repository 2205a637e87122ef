package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"StoryFlow-server/config"
	"StoryFlow-server/models"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	TypePipelineRun     = "pipeline:run"
	TypePipelineRecover = "pipeline:recover"

	runTaskTimeout = 2 * time.Hour
	defaultQueue   = "default"
)

type RunPayload struct {
	RunID  string `json:"run_id"`
	Resume bool   `json:"resume,omitempty"`
}

var (
	QueueClient *asynq.Client
	Inspector   *asynq.Inspector
	RedisClient *redis.Client
)

func redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	}
}

// InitQueue connects the task client, the inspector and the Redis client
// the event streams are written to.
func InitQueue() {
	QueueClient = asynq.NewClient(redisOpt())
	Inspector = asynq.NewInspector(redisOpt())
	RedisClient = redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Addr,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	})
}

// EnqueueRun queues one pipeline run and records the task id on the run
// row so a cancel can find it. The run id doubles as the task id so a run
// is never queued twice; a resumed run gets its own id.
func EnqueueRun(db *gorm.DB, runID string, resume bool) error {
	payload, err := json.Marshal(RunPayload{RunID: runID, Resume: resume})
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}
	taskID := runTaskID(runID, resume, time.Now())

	task := asynq.NewTask(TypePipelineRun, payload,
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(runTaskTimeout),
		asynq.Retention(24*time.Hour),
	)
	info, err := QueueClient.Enqueue(task)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict):
		log.Printf("[Queue] run %s already queued as %s", runID, taskID)
	case err != nil:
		return fmt.Errorf("enqueue failed: %w", err)
	default:
		log.Printf("[Queue] run enqueued: RunID=%s, TaskID=%s, resume=%v", runID, info.ID, resume)
	}
	if db != nil {
		if err := models.SetRunTaskID(db, runID, taskID); err != nil {
			return fmt.Errorf("record task id: %w", err)
		}
	}
	return nil
}

func runTaskID(runID string, resume bool, now time.Time) string {
	if !resume {
		return runID
	}
	return fmt.Sprintf("%s:resume:%d", runID, now.Unix())
}
