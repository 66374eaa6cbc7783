package audit

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/identity"
)

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{Action: "test", ResourceType: "org"})
	}

	// The next log should be dropped (non-blocking).
	w.Log(Entry{Action: "dropped", ResourceType: "org"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogActor_APIKeyActor(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	keyID := uuid.New()
	ar := &identity.AuthenticatedRequest{
		Kind:   identity.KindAPIKey,
		ApiKey: &identity.ApiKeyAuth{APIKeyID: keyID},
	}

	resourceID := uuid.New()
	w.LogActor(ar, "update", "dynamic_provider", resourceID, nil, nil, nil)

	entry := <-w.entries
	if entry.ActorType != ActorAPIKey {
		t.Errorf("ActorType = %q, want %q", entry.ActorType, ActorAPIKey)
	}
	if entry.ActorID == nil || *entry.ActorID != keyID {
		t.Errorf("ActorID = %v, want %v", entry.ActorID, keyID)
	}
	if entry.Action != "update" || entry.ResourceType != "dynamic_provider" {
		t.Errorf("entry = %+v, want action=update resource_type=dynamic_provider", entry)
	}
}

func TestLogActor_UserActor(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	userID := uuid.New()
	ar := &identity.AuthenticatedRequest{
		Kind:     identity.KindIdentity,
		Identity: &identity.Identity{UserID: &userID},
	}

	w.LogActor(ar, "create", "org", uuid.New(), nil, nil, nil)

	entry := <-w.entries
	if entry.ActorType != ActorUser {
		t.Errorf("ActorType = %q, want %q", entry.ActorType, ActorUser)
	}
	if entry.ActorID == nil || *entry.ActorID != userID {
		t.Errorf("ActorID = %v, want %v", entry.ActorID, userID)
	}
}

func TestLogActor_NilRequestIsSystemActor(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	w.LogActor(nil, "delete", "rbac_policy", uuid.New(), nil, nil, nil)

	entry := <-w.entries
	if entry.ActorType != ActorSystem {
		t.Errorf("ActorType = %q, want %q", entry.ActorType, ActorSystem)
	}
	if entry.ActorID != nil {
		t.Errorf("ActorID = %v, want nil", entry.ActorID)
	}
}

func TestLogActor_IdentityWithoutUserIDIsSystemActor(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	ar := &identity.AuthenticatedRequest{
		Kind:     identity.KindIdentity,
		Identity: &identity.Identity{ExternalID: "svc-principal"},
	}
	w.LogActor(ar, "create", "org", uuid.New(), nil, nil, nil)

	entry := <-w.entries
	if entry.ActorType != ActorSystem {
		t.Errorf("ActorType = %q, want %q (no UserID on the Identity)", entry.ActorType, ActorSystem)
	}
}
