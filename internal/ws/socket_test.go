package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kiliankoe/promptchain/internal/game"
	"github.com/kiliankoe/promptchain/internal/orchestrator"
)

type recordingConn struct {
	id     string
	mu     sync.Mutex
	events []string
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Emit(event string, v ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestOnEventReachesWatchersOnly(t *testing.T) {
	srv := New(nil)
	a := &recordingConn{id: "a"}
	b := &recordingConn{id: "b"}
	other := &recordingConn{id: "c"}
	srv.addMember("g1", a)
	srv.addMember("g1", b)
	srv.addMember("g2", other)

	srv.OnEvent(orchestrator.Event{Kind: orchestrator.EventState, Snapshot: game.Snapshot{ID: "g1"}})
	srv.OnEvent(orchestrator.Event{Kind: orchestrator.EventScore, Snapshot: game.Snapshot{ID: "g1", Score: &game.ScoreResult{FinalScore: 1}}})

	for _, c := range []*recordingConn{a, b} {
		if fmt.Sprint(c.events) != "[game:state game:score game:state]" {
			t.Fatalf("%s: unexpected events %v", c.id, c.events)
		}
	}
	if len(other.events) != 0 {
		t.Fatalf("watchers of another game should not be notified, got %v", other.events)
	}

	srv.removeMember("g1", a)
	srv.OnEvent(orchestrator.Event{Kind: orchestrator.EventState, Snapshot: game.Snapshot{ID: "g1"}})
	if len(a.events) != 3 || len(b.events) != 4 {
		t.Fatalf("removed watcher should stop receiving, got %d and %d", len(a.events), len(b.events))
	}
}

func TestErrEmitsCode(t *testing.T) {
	srv := New(nil)
	c := &recordingConn{id: "a"}
	ack := srv.err(c, fmt.Errorf("%w: turn 2", game.ErrInvalidState))
	if ack["error"] != "invalid_state" {
		t.Fatalf("expected invalid_state ack, got %v", ack)
	}
	if len(c.events) != 1 || c.events[0] != "error" {
		t.Fatalf("expected an error event, got %v", c.events)
	}
}
