package store

import (
	"context"
	"testing"
	"time"
)

func TestRecordAndLatestSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, s, "t1")

	for i, sid := range []string{"s-old", "s-new"} {
		err := s.RecordSession(ctx, AgentSession{
			SessionID: sid,
			TaskID:    "t1",
			AgentType: "claude",
			Blob:      "blob-" + sid,
			ExpiresAt: time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	sess, err := s.LatestSession(ctx, "t1", "claude")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if sess == nil || sess.SessionID != "s-new" {
		t.Fatalf("latest = %+v, want s-new", sess)
	}
	if sess.BlobSizeBytes != len("blob-s-new") {
		t.Fatalf("blob_size_bytes = %d", sess.BlobSizeBytes)
	}

	// Different agent type sees nothing.
	sess, err = s.LatestSession(ctx, "t1", "opencode")
	if err != nil {
		t.Fatalf("latest other agent: %v", err)
	}
	if sess != nil {
		t.Fatalf("cross-agent session leak: %+v", sess)
	}

	n, err := s.SessionCount(ctx, "t1")
	if err != nil || n != 2 {
		t.Fatalf("session count = %d, err=%v", n, err)
	}
}

func TestLatestSession_SkipsExpired(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, s, "t1")

	if err := s.RecordSession(ctx, AgentSession{
		SessionID: "s-expired",
		TaskID:    "t1",
		AgentType: "claude",
		Blob:      "x",
		ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	sess, err := s.LatestSession(ctx, "t1", "claude")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if sess != nil {
		t.Fatalf("expired session returned: %+v", sess)
	}
}

func TestPurgeExpiredSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreateTask(t, s, "t1")

	_ = s.RecordSession(ctx, AgentSession{SessionID: "a", TaskID: "t1", AgentType: "claude", Blob: "x", ExpiresAt: time.Now().Add(-time.Hour)})
	_ = s.RecordSession(ctx, AgentSession{SessionID: "b", TaskID: "t1", AgentType: "claude", Blob: "y", ExpiresAt: time.Now().Add(time.Hour)})

	n, err := s.PurgeExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	sess, _ := s.LatestSession(ctx, "t1", "claude")
	if sess == nil || sess.SessionID != "b" {
		t.Fatalf("surviving session = %+v", sess)
	}
}

func TestRecordSession_Validation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordSession(ctx, AgentSession{TaskID: "t1", AgentType: "claude", Blob: "x", ExpiresAt: time.Now()}); err == nil {
		t.Fatal("missing session_id accepted")
	}
	if err := s.RecordSession(ctx, AgentSession{SessionID: "s", TaskID: "t1", AgentType: "claude", Blob: "x"}); err == nil {
		t.Fatal("missing expires_at accepted")
	}
}
