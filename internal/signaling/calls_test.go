package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/callagent/internal/models"
)

func TestCallsRoundTrip(t *testing.T) {
	calls := NewCalls(NewMemoryStore())
	ctx := context.Background()

	rec := &models.CallRecord{
		CallerID:   "alice",
		ReceiverID: "bob",
		MediaKind:  models.MediaVideo,
		Status:     models.CallRinging,
		Offer:      &models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0"},
	}
	id, err := calls.CreateCall(ctx, rec)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if rec.ID != id || rec.CreatedAt.IsZero() {
		t.Fatalf("record not stamped: %+v", rec)
	}

	err = calls.UpdateCall(ctx, id, map[string]any{
		models.FieldStatus: models.CallConnected,
		models.FieldAnswer: &models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "v=0 answer"},
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := calls.GetCall(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != models.CallConnected {
		t.Errorf("status mismatch: got %s, want connected", got.Status)
	}
	if got.Answer.Empty() || got.Answer.SDP != "v=0 answer" {
		t.Errorf("answer mismatch: got %+v", got.Answer)
	}
	if got.Offer.SDP != "v=0" {
		t.Errorf("offer mismatch: got %+v", got.Offer)
	}
	if got.MediaKind != models.MediaVideo {
		t.Errorf("media kind mismatch: got %s", got.MediaKind)
	}
}

func TestWatchIncomingOnlyRingingForReceiver(t *testing.T) {
	calls := NewCalls(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	incoming, err := calls.WatchIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	calls.CreateCall(ctx, &models.CallRecord{ID: "x", CallerID: "alice", ReceiverID: "eve", Status: models.CallRinging})
	calls.CreateCall(ctx, &models.CallRecord{ID: "y", CallerID: "alice", ReceiverID: "bob", Status: models.CallRinging})

	c := next(t, incoming)
	if c.Type != ChangeAdded || c.Record == nil || c.Record.ID != "y" {
		t.Fatalf("expected call y, got %+v", c)
	}
	if c.Record.CallerID != "alice" {
		t.Errorf("caller mismatch: got %s", c.Record.CallerID)
	}
}

func TestFindIncomingOldestFirst(t *testing.T) {
	calls := NewCalls(NewMemoryStore())
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, rec := range []*models.CallRecord{
		{ID: "late", CallerID: "carol", ReceiverID: "bob", Status: models.CallRinging, CreatedAt: base.Add(time.Minute)},
		{ID: "early", CallerID: "alice", ReceiverID: "bob", Status: models.CallRinging, CreatedAt: base},
		{ID: "other", CallerID: "alice", ReceiverID: "eve", Status: models.CallRinging, CreatedAt: base},
		{ID: "done", CallerID: "alice", ReceiverID: "bob", Status: models.CallEnded, CreatedAt: base},
	} {
		if _, err := calls.CreateCall(ctx, rec); err != nil {
			t.Fatalf("create %s failed: %v", rec.ID, err)
		}
	}

	recs, err := calls.FindIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("FindIncoming failed: %v", err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 2 || ids[0] != "early" || ids[1] != "late" {
		t.Errorf("incoming mismatch: got %v, want [early late]", ids)
	}
}

func TestCandidatesAreScopedByRole(t *testing.T) {
	calls := NewCalls(NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls.AppendCandidate(ctx, "c", models.RoleCaller, []byte(`{"candidate":"a"}`))
	calls.AppendCandidate(ctx, "c", models.RoleReceiver, []byte(`{"candidate":"b"}`))

	fromCaller, err := calls.WatchCandidates(ctx, "c", models.RoleCaller)
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	rec := next(t, fromCaller)
	if string(rec.Payload) != `{"candidate":"a"}` || rec.Role != models.RoleCaller {
		t.Errorf("unexpected candidate: %+v", rec)
	}
	expectQuiet(t, fromCaller)
}
