package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"StoryFlow-server/models"

	"github.com/gin-contrib/sse"
	"github.com/redis/go-redis/v9"
)

// Sink receives every event the emitter lets through, in order.
type Sink interface {
	Publish(ev models.Event) error
}

// Emitter stamps events with a sequence number and enforces the stream
// rules: one terminal event, nothing after it, and no node_update for a
// node whose terminal status was already sent.
type Emitter struct {
	mu         sync.Mutex
	runID      string
	seq        int64
	sinks      []Sink
	terminated bool
	frozen     bool
	terminal   map[string]bool
	now        func() time.Time
}

func NewEmitter(runID string, sinks ...Sink) *Emitter {
	return &Emitter{
		runID:    runID,
		sinks:    sinks,
		terminal: make(map[string]bool),
		now:      time.Now,
	}
}

// Emit publishes ev and reports whether it was accepted.
func (e *Emitter) Emit(ev models.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return false
	}
	if e.frozen && !ev.Type.Terminal() {
		return false
	}
	if ev.Type == models.EventNodeUpdate {
		if e.terminal[ev.NodeID] {
			return false
		}
		if ev.Status.Terminal() {
			e.terminal[ev.NodeID] = true
		}
	}

	e.seq++
	ev.Seq = e.seq
	ev.RunID = e.runID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	for _, s := range e.sinks {
		if err := s.Publish(ev); err != nil {
			log.Printf("[Events] run %s: sink publish failed: %v", e.runID, err)
		}
	}
	if ev.Type.Terminal() {
		e.terminated = true
		for _, s := range e.sinks {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}
	return true
}

// Freeze drops every further non-terminal event. The scheduler calls it
// once cancellation is acknowledged.
func (e *Emitter) Freeze() {
	e.mu.Lock()
	e.frozen = true
	e.mu.Unlock()
}

func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Emitter) PhaseStart(phase string) {
	e.Emit(models.Event{Type: models.EventPhaseStart, Phase: phase})
}

func (e *Emitter) Reasoning(delta string) {
	e.Emit(models.Event{Type: models.EventReasoning, Phase: models.PhaseAnalysis, Delta: delta})
}

func (e *Emitter) Note(msg string) {
	e.Emit(models.Event{Type: models.EventReasoning, Phase: models.PhaseAnalysis, Message: msg})
}

func (e *Emitter) PhaseComplete(phase string, nodeCount int) {
	e.Emit(models.Event{Type: models.EventPhaseComplete, Phase: phase, NodeCount: nodeCount})
}

func (e *Emitter) Progress(done, total int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
	}
	e.Emit(models.Event{Type: models.EventProgress, Phase: models.PhaseGeneration,
		Progress: &models.Progress{Done: done, Total: total, Percent: pct}})
}

func (e *Emitter) NodeUpdate(n *models.Node) bool {
	ev := models.Event{
		Type:   models.EventNodeUpdate,
		NodeID: n.ID,
		Status: n.Data.Status,
		Code:   n.Data.ErrorCode,
	}
	if n.Data.Generated != nil {
		g := *n.Data.Generated
		ev.Generated = &g
	}
	if n.Data.Status == models.NodeFailed {
		ev.Message = n.Data.Error
	}
	return e.Emit(ev)
}

func (e *Emitter) ProjectData(pd *models.ProjectData) {
	e.Emit(models.Event{Type: models.EventProjectData, Project: pd})
}

func (e *Emitter) Complete(s models.Summary) {
	e.Emit(models.Event{Type: models.EventComplete, Summary: &s})
}

func (e *Emitter) Error(code, msg, nodeID string) {
	e.Emit(models.Event{Type: models.EventError, Code: code, Message: msg, NodeID: nodeID})
}

// FrameWriter writes each event as one SSE record whose data line carries
// the JSON event.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (f *FrameWriter) Publish(ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := sse.Encode(f.w, sse.Event{
		Id:    strconv.FormatInt(ev.Seq, 10),
		Event: string(ev.Type),
		Data:  ev,
	})
	if err != nil {
		return err
	}
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}

const eventStreamTTL = 24 * time.Hour

func EventStreamKey(runID string) string {
	return "storyflow:events:" + runID
}

// RedisSink appends events to a per-run Redis stream so that any API
// instance can replay a run to late subscribers.
type RedisSink struct {
	rdb   redis.UniversalClient
	runID string
}

func NewRedisSink(rdb redis.UniversalClient, runID string) *RedisSink {
	return &RedisSink{rdb: rdb, runID: runID}
}

func (s *RedisSink) Publish(ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := EventStreamKey(s.runID)
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{"event": payload},
	}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if ev.Type.Terminal() {
		s.rdb.Expire(ctx, key, eventStreamTTL)
	}
	return nil
}

// ReplayEvents reads the run's stream from the beginning and calls fn for
// each event until the terminal one, fn fails or ctx ends.
func ReplayEvents(ctx context.Context, rdb redis.UniversalClient, runID string, fn func(models.Event) error) error {
	key := EventStreamKey(runID)
	lastID := "0"
	for {
		streams, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", key, err)
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				lastID = msg.ID
				raw, _ := msg.Values["event"].(string)
				var ev models.Event
				if err := json.Unmarshal([]byte(raw), &ev); err != nil {
					log.Printf("[Events] skip malformed record %s: %v", msg.ID, err)
					continue
				}
				if err := fn(ev); err != nil {
					return err
				}
				if ev.Type.Terminal() {
					return nil
				}
			}
		}
	}
}
