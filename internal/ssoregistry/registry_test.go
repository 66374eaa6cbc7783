package ssoregistry

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hadrian-run/hadrian/internal/session"
)

func TestOIDCRegistry_MissReturnsFalse(t *testing.T) {
	r := NewOIDCRegistry(session.NewMemoryStore(), nil)

	_, ok := r.Get(uuid.New())
	if ok {
		t.Fatal("lookup of an unregistered org must return ok=false, not fall back to a default authenticator")
	}
	if !r.IsEmpty() {
		t.Fatal("freshly constructed registry must be empty")
	}
}

func TestOIDCRegistry_RegisterAndRemove(t *testing.T) {
	r := NewOIDCRegistry(session.NewMemoryStore(), nil)
	orgID := uuid.New()

	r.Register(orgID, nil)
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered org, got %d", r.Len())
	}

	if _, ok := r.Remove(orgID); !ok {
		t.Fatal("expected removal of a registered org to succeed")
	}
	if !r.IsEmpty() {
		t.Fatal("registry must be empty after removing its only entry")
	}
}

func TestOIDCRegistry_PeekAuthState(t *testing.T) {
	store := session.NewMemoryStore()
	r := NewOIDCRegistry(store, nil)
	ctx := context.Background()

	if err := store.StoreAuthState(ctx, &session.AuthorizationState{State: "s1"}); err != nil {
		t.Fatalf("StoreAuthState: %v", err)
	}

	got, ok, err := r.PeekAuthState(ctx, "s1")
	if err != nil || !ok || got.State != "s1" {
		t.Fatalf("got=%+v ok=%v err=%v", got, ok, err)
	}

	// Peek must not consume: a second peek still finds it.
	_, ok, _ = r.PeekAuthState(ctx, "s1")
	if !ok {
		t.Fatal("peek must not consume the authorization state")
	}
}
