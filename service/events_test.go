package service

import (
	"bytes"
	"encoding/json"
	"testing"

	"StoryFlow-server/models"

	"github.com/gin-contrib/sse"
)

func TestEmitterTerminalRules(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	em := NewEmitter("run-1", sink)

	em.PhaseStart(models.PhaseGeneration)
	node := &models.Node{ID: "n1", Data: models.NodeData{Status: models.NodeRunning}}
	if !em.NodeUpdate(node) {
		t.Fatalf("running update dropped")
	}
	node.Data.Status = models.NodeCompleted
	if !em.NodeUpdate(node) {
		t.Fatalf("completed update dropped")
	}
	node.Data.Status = models.NodeRunning
	if em.NodeUpdate(node) {
		t.Fatalf("update after terminal node status accepted")
	}

	em.Complete(models.Summary{Requested: 1, Completed: 1})
	em.Error(CodeInternal, "late", "")
	em.Progress(1, 1)
	if !em.Terminated() {
		t.Fatalf("emitter not terminated")
	}

	events := sink.all()
	if len(events) != 4 {
		t.Fatalf("events=%v", eventTypes(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) || ev.RunID != "run-1" || ev.Timestamp.IsZero() {
			t.Fatalf("event %d=%+v", i, ev)
		}
	}
	if events[3].Type != models.EventComplete {
		t.Fatalf("last=%s", events[3].Type)
	}
}

func TestEmitterFreeze(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	em := NewEmitter("run-1", sink)
	em.Freeze()
	em.Note("dropped")
	em.NodeUpdate(&models.Node{ID: "n1", Data: models.NodeData{Status: models.NodeCompleted}})
	em.Error(CodeCancelled, "pipeline cancelled", "")

	events := sink.all()
	if len(events) != 1 || events[0].Code != CodeCancelled || events[0].Seq != 1 {
		t.Fatalf("events=%+v", events)
	}
}

func TestFrameWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	em := NewEmitter("run-1", NewFrameWriter(&buf))
	em.Progress(1, 4)
	em.Complete(models.Summary{Requested: 4, Completed: 4})

	frames, err := sse.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames=%d", len(frames))
	}
	if frames[0].Event != string(models.EventProgress) || frames[0].Id != "1" {
		t.Fatalf("frame=%+v", frames[0])
	}

	var ev models.Event
	if err := json.Unmarshal([]byte(frames[0].Data.(string)), &ev); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ev.Progress == nil || ev.Progress.Percent != 25 {
		t.Fatalf("event=%+v", ev)
	}
	if frames[1].Event != string(models.EventComplete) {
		t.Fatalf("last frame=%+v", frames[1])
	}
}
