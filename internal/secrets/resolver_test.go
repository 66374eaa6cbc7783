package secrets

import (
	"context"
	"os"
	"testing"
)

func TestResolveSecret_NilRefAlwaysNone(t *testing.T) {
	manager := NewMemoryResolver(map[string]string{"db/password": "s3cr3t"})

	got, err := ResolveSecret(context.Background(), nil, manager)
	if err != nil || got != nil {
		t.Fatalf("nil ref must resolve to (nil, nil) regardless of manager, got %v, %v", got, err)
	}

	got, err = ResolveSecret(context.Background(), nil, nil)
	if err != nil || got != nil {
		t.Fatalf("nil ref with no manager must still resolve to (nil, nil), got %v, %v", got, err)
	}
}

func TestResolveSecret_ManagerConfiguredMissIsError(t *testing.T) {
	manager := NewMemoryResolver(map[string]string{"db/password": "s3cr3t"})
	ref := "does/not/exist"

	_, err := ResolveSecret(context.Background(), &ref, manager)
	if err == nil {
		t.Fatal("a miss against a configured manager must be an error, not a silent literal")
	}
}

func TestResolveSecret_ManagerConfiguredHit(t *testing.T) {
	manager := NewMemoryResolver(map[string]string{"db/password": "s3cr3t"})
	ref := "db/password"

	got, err := ResolveSecret(context.Background(), &ref, manager)
	if err != nil || got == nil || *got != "s3cr3t" {
		t.Fatalf("expected s3cr3t, got %v, err=%v", got, err)
	}
}

func TestResolveSecret_NoManagerLiteralPassthrough(t *testing.T) {
	ref := "plain-literal-value"

	got, err := ResolveSecret(context.Background(), &ref, nil)
	if err != nil || got == nil || *got != "plain-literal-value" {
		t.Fatalf("expected literal passthrough, got %v, err=%v", got, err)
	}
}

func TestResolveSecret_NoManagerEnvIndirection(t *testing.T) {
	os.Setenv("HADRIAN_TEST_SECRET", "from-env")
	defer os.Unsetenv("HADRIAN_TEST_SECRET")

	ref := "${HADRIAN_TEST_SECRET}"
	got, err := ResolveSecret(context.Background(), &ref, nil)
	if err != nil || got == nil || *got != "from-env" {
		t.Fatalf("expected env indirection to resolve, got %v, err=%v", got, err)
	}
}

func TestEnvResolver_Prefix(t *testing.T) {
	os.Setenv("HADRIAN_SECRET_API_KEY", "key-123")
	defer os.Unsetenv("HADRIAN_SECRET_API_KEY")

	r := NewEnvResolver("HADRIAN_SECRET_")
	v, ok, err := r.Get(context.Background(), "API_KEY")
	if err != nil || !ok || v != "key-123" {
		t.Fatalf("got %q, %v, %v", v, ok, err)
	}
}

func TestMultiResolver_FirstHitWins(t *testing.T) {
	a := NewMemoryResolver(map[string]string{"x": "from-a"})
	b := NewMemoryResolver(map[string]string{"x": "from-b", "y": "from-b-only"})
	m := NewMultiResolver(a, b)

	v, ok, err := m.Get(context.Background(), "x")
	if err != nil || !ok || v != "from-a" {
		t.Fatalf("expected first backend to win, got %q, %v, %v", v, ok, err)
	}

	v, ok, err = m.Get(context.Background(), "y")
	if err != nil || !ok || v != "from-b-only" {
		t.Fatalf("expected fallthrough to second backend, got %q, %v, %v", v, ok, err)
	}
}
