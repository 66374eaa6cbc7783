package session

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_TakeAuthStateOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	s := &AuthorizationState{State: "s1", Nonce: "n1", CreatedAt: time.Now()}
	if err := store.StoreAuthState(ctx, s); err != nil {
		t.Fatalf("StoreAuthState: %v", err)
	}

	got, ok, err := store.TakeAuthState(ctx, "s1")
	if err != nil || !ok || got.Nonce != "n1" {
		t.Fatalf("first take: got=%+v ok=%v err=%v", got, ok, err)
	}

	_, ok, err = store.TakeAuthState(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("second take must return not-found, got ok=%v err=%v", ok, err)
	}
}

func TestSession_ExpiryAndInactivity(t *testing.T) {
	now := time.Now()

	s := &Session{ExpiresAt: now.Add(-time.Second)}
	if !s.IsExpired(now) {
		t.Fatal("session past expires_at must be expired")
	}

	last := now.Add(-60 * time.Second)
	s2 := &Session{ExpiresAt: now.Add(time.Hour), LastActivity: &last}
	if !s2.IsInactive(now, 60*time.Second) {
		t.Fatal("last_activity = now - timeout must be inactive")
	}
	if s2.IsInactive(now, 0) {
		t.Fatal("inactivity_timeout = 0 must disable inactivity expiry")
	}
}

func TestValidate_DeletesExpiredSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.CreateSession(ctx, &Session{ExpiresAt: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = Validate(ctx, store, id, Config{}, time.Now())
	if err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	if _, ok, _ := store.GetSession(ctx, id); ok {
		t.Fatal("expired session must be deleted on access")
	}
}

func TestEnforceConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now()
	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := store.CreateSession(ctx, &Session{
			ExternalID: "u1",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			ExpiresAt:  base.Add(time.Hour),
		})
		ids = append(ids, id)
	}

	if err := EnforceConcurrentSessions(ctx, store, "u1", 2); err != nil {
		t.Fatalf("EnforceConcurrentSessions: %v", err)
	}

	count, err := store.CountUserSessions(ctx, "u1")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 sessions remaining, got %d (err=%v)", count, err)
	}

	// The two newest (ids[3], ids[4]) must survive.
	for _, keep := range ids[3:] {
		if _, ok, _ := store.GetSession(ctx, keep); !ok {
			t.Fatalf("expected newest session %s to survive eviction", keep)
		}
	}
}
