package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresTypeAndSubject(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{CallID: "c"}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if err := svc.Append(context.Background(), Event{Type: EventTypeCallTimeout}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("expected nothing appended")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.LogAdminAction(context.Background(), "u", "admin", "1.2.3.4", "manual credit", "wallet1", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" {
		t.Fatalf("expected ip captured")
	}
	if evs[0].Type != EventTypeAdminAction {
		t.Fatalf("expected admin_action")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and created_at to be assigned")
	}
}

func TestService_LogCallUsesServiceClock(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	fixed := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	if err := svc.LogCall(context.Background(), EventTypeAlreadySettled, "call-1", "system", "duplicate settle"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ev := repo.Events()[0]
	if ev.CallID != "call-1" || ev.Type != EventTypeAlreadySettled || !ev.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
