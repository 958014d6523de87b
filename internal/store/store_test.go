package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cmakafui/codelatch/internal/envelope"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "codelatch.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEnvelope(requestID, sessionID string, pane string) *envelope.HookEnvelope {
	return &envelope.HookEnvelope{
		Version:       1,
		RequestID:     requestID,
		SessionID:     sessionID,
		SessionName:   "demo-" + sessionID,
		TmuxPane:      &pane,
		HookEventName: envelope.EventPermissionRequest,
		Blocking:      true,
		CWD:           "/w",
		Payload:       json.RawMessage(`{"tool_input":{"command":"rm -rf /tmp/x"}}`),
	}
}

func TestUpsertAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")

	if err := s.UpsertSession(ctx, e, 100); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	got, err := s.GetSession(ctx, "S1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.Name != "demo-S1" || got.TmuxPane != "%1" {
		t.Fatalf("GetSession = %+v", got)
	}

	// Monotonic last_seen_at: an older timestamp must not regress the row.
	if err := s.UpsertSession(ctx, e, 50); err != nil {
		t.Fatalf("UpsertSession (older): %v", err)
	}
	got2, err := s.GetSession(ctx, "S1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got2.LastSeenAt != 100 {
		t.Errorf("last_seen_at regressed to %d, want unchanged 100", got2.LastSeenAt)
	}
}

func TestInsertPendingRequestAndTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")

	if err := s.UpsertSession(ctx, e, 100); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.InsertPendingRequest(ctx, e, 700, 100); err != nil {
		t.Fatalf("InsertPendingRequest: %v", err)
	}

	changed, err := s.TransitionPendingState(ctx, "R1", StateApproved)
	if err != nil {
		t.Fatalf("TransitionPendingState: %v", err)
	}
	if !changed {
		t.Fatal("expected first transition to report changed=true")
	}

	// Second transition on the same row must be a no-op (I1).
	changed2, err := s.TransitionPendingState(ctx, "R1", StateDenied)
	if err != nil {
		t.Fatalf("TransitionPendingState (second): %v", err)
	}
	if changed2 {
		t.Error("expected second transition to report changed=false")
	}
}

func TestTransitionPendingStateConcurrent(t *testing.T) {
	// P1: for concurrent calls to TransitionPendingState, at most one
	// reports changed=true.
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")
	if err := s.UpsertSession(ctx, e, 100); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.InsertPendingRequest(ctx, e, 700, 100); err != nil {
		t.Fatalf("InsertPendingRequest: %v", err)
	}

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	states := []string{StateApproved, StateDenied}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			changed, err := s.TransitionPendingState(ctx, "R1", states[i%2])
			if err != nil {
				t.Errorf("TransitionPendingState: %v", err)
				return
			}
			results[i] = changed
		}(i)
	}
	wg.Wait()

	changedCount := 0
	for _, c := range results {
		if c {
			changedCount++
		}
	}
	if changedCount != 1 {
		t.Errorf("expected exactly 1 changed=true, got %d", changedCount)
	}
}

func TestSetPendingMessageId(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")
	if err := s.UpsertSession(ctx, e, 100); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertPendingRequest(ctx, e, 700, 100); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPendingMessageId(ctx, "R1", 42); err != nil {
		t.Fatalf("SetPendingMessageId: %v", err)
	}
}

func TestReplyRouteInsertAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S2", "%pane-of-S2")

	if err := s.InsertReplyRoute(ctx, 42, e, 100); err != nil {
		t.Fatalf("InsertReplyRoute: %v", err)
	}
	route, err := s.LookupReplyRoute(ctx, 42)
	if err != nil {
		t.Fatalf("LookupReplyRoute: %v", err)
	}
	if route == nil || route.SessionID != "S2" || route.TmuxPane != "%pane-of-S2" {
		t.Fatalf("LookupReplyRoute = %+v", route)
	}
}

func TestReplyRouteNoOpWithoutPane(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S2", "")
	e.TmuxPane = nil

	if err := s.InsertReplyRoute(ctx, 99, e, 100); err != nil {
		t.Fatalf("InsertReplyRoute: %v", err)
	}
	route, err := s.LookupReplyRoute(ctx, 99)
	if err != nil {
		t.Fatalf("LookupReplyRoute: %v", err)
	}
	if route != nil {
		t.Errorf("expected no reply route without a pane, got %+v", route)
	}
}

func TestListSessionsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, testEnvelope("R1", "S1", "%1"), 100); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSession(ctx, testEnvelope("R2", "S2", "%2"), 200); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "S2" {
		t.Errorf("expected most recent session first, got %s", sessions[0].SessionID)
	}
}

func TestFindSessionByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")
	if err := s.UpsertSession(ctx, e, 100); err != nil {
		t.Fatal(err)
	}
	found, err := s.FindSessionByName(ctx, "demo-S1")
	if err != nil {
		t.Fatalf("FindSessionByName: %v", err)
	}
	if found == nil || found.SessionID != "S1" {
		t.Fatalf("FindSessionByName = %+v", found)
	}
	missing, err := s.FindSessionByName(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("FindSessionByName: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for nonexistent name")
	}
}

func TestDefaultRoute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.GetDefaultRoute(ctx)
	if err != nil {
		t.Fatalf("GetDefaultRoute: %v", err)
	}
	if none != nil {
		t.Error("expected nil default route before any set")
	}

	if err := s.SetDefaultRoute(ctx, DefaultRoute{SessionID: "S1", SessionName: "demo", TmuxPane: "%1"}, 100); err != nil {
		t.Fatalf("SetDefaultRoute: %v", err)
	}
	route, err := s.GetDefaultRoute(ctx)
	if err != nil {
		t.Fatalf("GetDefaultRoute: %v", err)
	}
	if route == nil || route.SessionID != "S1" {
		t.Fatalf("GetDefaultRoute = %+v", route)
	}

	// Re-setting updates the singleton row rather than inserting a new one.
	if err := s.SetDefaultRoute(ctx, DefaultRoute{SessionID: "S2", SessionName: "demo2", TmuxPane: "%2"}, 200); err != nil {
		t.Fatalf("SetDefaultRoute (update): %v", err)
	}
	route2, err := s.GetDefaultRoute(ctx)
	if err != nil {
		t.Fatalf("GetDefaultRoute: %v", err)
	}
	if route2.SessionID != "S2" {
		t.Errorf("expected updated session S2, got %s", route2.SessionID)
	}
}

func TestInsertPendingRequestDuplicateIsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := testEnvelope("R1", "S1", "%1")
	if err := s.InsertPendingRequest(ctx, e, 700, 100); err != nil {
		t.Fatalf("InsertPendingRequest: %v", err)
	}
	if err := s.InsertPendingRequest(ctx, e, 700, 100); err == nil {
		t.Error("expected duplicate request_id to error")
	}
}
