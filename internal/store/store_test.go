package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "xnotifyd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateTarget(t *testing.T, s *Store, id, handle, cursor string) {
	t.Helper()
	err := s.CreateTarget(context.Background(), Target{
		ID:        id,
		Handle:    handle,
		AuthToken: "tok",
		CSRFToken: "csrf",
		Cursor:    cursor,
	})
	if err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}
}

func TestRecordIfNewAdvancesCursor(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "100")

	// First poll: items newest-first, 102 == not present, 100 already seen.
	inserted, err := s.RecordIfNew(ctx, "t1", []string{"105", "104", "103", "101"})
	if err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	if len(inserted) != 4 {
		t.Fatalf("inserted = %v, want 4 items", inserted)
	}
	tgt, err := s.GetTarget(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if tgt.Cursor != "105" {
		t.Fatalf("cursor = %q, want 105", tgt.Cursor)
	}

	// Second poll overlaps the first: only 106 is new.
	inserted, err = s.RecordIfNew(ctx, "t1", []string{"106", "105", "104", "103"})
	if err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	if len(inserted) != 1 || inserted[0] != "106" {
		t.Fatalf("inserted = %v, want [106]", inserted)
	}
	tgt, _ = s.GetTarget(ctx, "t1")
	if tgt.Cursor != "106" {
		t.Fatalf("cursor = %q, want 106", tgt.Cursor)
	}

	n, err := s.SeenCount(ctx, "t1")
	if err != nil {
		t.Fatalf("SeenCount: %v", err)
	}
	if n != 5 {
		t.Fatalf("seen count = %d, want 5", n)
	}
}

func TestRecordIfNewIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "")

	for i := 0; i < 3; i++ {
		if _, err := s.RecordIfNew(ctx, "t1", []string{"20", "10"}); err != nil {
			t.Fatalf("RecordIfNew pass %d: %v", i, err)
		}
	}
	n, _ := s.SeenCount(ctx, "t1")
	if n != 2 {
		t.Fatalf("seen count = %d, want 2 after repeated identical polls", n)
	}
}

func TestCursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "restart.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustCreateTarget(t, s, "t1", "@acct", "")
	if _, err := s.RecordIfNew(ctx, "t1", []string{"105"}); err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	_ = s.Close()

	// Simulated crash between commit and dispatch enqueue: the cursor and the
	// seen item must still be there after reopen.
	s2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	tgt, err := s2.GetTarget(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if tgt.Cursor != "105" {
		t.Fatalf("cursor = %q after restart, want 105", tgt.Cursor)
	}
	inserted, err := s2.RecordIfNew(ctx, "t1", []string{"105"})
	if err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	if len(inserted) != 0 {
		t.Fatalf("item 105 reprocessed after restart: %v", inserted)
	}
}

func TestCompareItemID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want int
	}{
		{"100", "105", -1},
		{"105", "100", 1},
		{"105", "105", 0},
		{"99", "100", -1},
		{"1000", "999", 1},
		{"", "1", -1},
	}
	for _, tt := range tests {
		if got := CompareItemID(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareItemID(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEventLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "")
	if err := s.CreateSubscription(ctx, Subscription{ID: "s1", TargetID: "t1", Endpoint: "https://push.example/ep", Secret: "shh"}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	events := []Event{{ID: "e1", SubscriptionID: "s1", TargetID: "t1", ItemID: "105", Payload: []byte(`{"title":"New Like"}`)}}
	if n, err := s.EnqueueEvents(ctx, events); err != nil || n != 1 {
		t.Fatalf("EnqueueEvents = %d, %v", n, err)
	}

	due, err := s.DueEvents(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	if len(due) != 1 || due[0].ID != "e1" {
		t.Fatalf("due = %+v, want e1", due)
	}

	// Failed attempt pushes the event into the future.
	next := time.Now().Add(time.Minute)
	if err := s.MarkRetry(ctx, "e1", 1, next, "connection refused"); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	due, _ = s.DueEvents(ctx, time.Now(), 10)
	if len(due) != 0 {
		t.Fatalf("event due before its retry time: %+v", due)
	}
	due, _ = s.DueEvents(ctx, next.Add(time.Second), 10)
	if len(due) != 1 {
		t.Fatal("event not due after its retry time")
	}

	if err := s.MarkDelivered(ctx, "e1", 2); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	e, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if e.Status != EventDelivered || e.Attempts != 2 {
		t.Fatalf("event = %+v, want delivered with 2 attempts", e)
	}

	counts, err := s.CountEvents(ctx)
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts.Delivered != 1 || counts.Pending != 0 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestEnqueueSkipsDeadSubscription(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "")
	for _, id := range []string{"s1", "s2"} {
		if err := s.CreateSubscription(ctx, Subscription{ID: id, TargetID: "t1", Endpoint: "https://push.example/" + id, Secret: "shh"}); err != nil {
			t.Fatal(err)
		}
	}
	// s2 unregisters between fan-out and insert.
	if err := s.DeleteSubscription(ctx, "s2"); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}

	events := []Event{
		{ID: "e1", SubscriptionID: "s1", TargetID: "t1", ItemID: "105", Payload: []byte(`{}`)},
		{ID: "e2", SubscriptionID: "s2", TargetID: "t1", ItemID: "105", Payload: []byte(`{}`)},
	}
	n, err := s.EnqueueEvents(ctx, events)
	if err != nil {
		t.Fatalf("EnqueueEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored %d events, want 1", n)
	}
	due, err := s.DueEvents(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DueEvents: %v", err)
	}
	if len(due) != 1 || due[0].ID != "e1" {
		t.Fatalf("due = %+v, want only e1", due)
	}
}

func TestDeadLetterQueryable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "")
	if err := s.CreateSubscription(ctx, Subscription{ID: "s1", TargetID: "t1", Endpoint: "https://push.example/ep", Secret: "shh"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnqueueEvents(ctx, []Event{{ID: "e1", SubscriptionID: "s1", TargetID: "t1", ItemID: "1", Payload: []byte(`{}`)}}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, "e1", 5, "410 gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	due, _ := s.DueEvents(ctx, time.Now().Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatal("dead-lettered event still retryable")
	}
	dead, err := s.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "410 gone" {
		t.Fatalf("dead = %+v", dead)
	}
}

func TestDeleteTargetCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTarget(t, s, "t1", "@acct", "")
	if err := s.CreateSubscription(ctx, Subscription{ID: "s1", TargetID: "t1", Endpoint: "https://push.example/ep", Secret: "shh"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordIfNew(ctx, "t1", []string{"101", "102"}); err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	if err := s.DeleteTarget(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTarget: %v", err)
	}
	if _, err := s.GetSubscription(ctx, "s1"); err != ErrNotFound {
		t.Fatalf("subscription survived target delete: %v", err)
	}
	if n, err := s.SeenCount(ctx, "t1"); err != nil || n != 0 {
		t.Fatalf("seen count after delete = %d (%v), want 0", n, err)
	}
	if err := s.DeleteTarget(ctx, "t1"); err != ErrNotFound {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}
