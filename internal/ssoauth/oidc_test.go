package ssoauth

import "testing"

func TestNewPKCEChallenge(t *testing.T) {
	a, err := newPKCEChallenge()
	if err != nil {
		t.Fatalf("newPKCEChallenge: %v", err)
	}
	if a.verifier == "" || a.challenge == "" {
		t.Fatal("verifier and challenge must both be non-empty")
	}
	if a.verifier == a.challenge {
		t.Fatal("challenge must be the sha256 of the verifier, not the verifier itself")
	}

	b, err := newPKCEChallenge()
	if err != nil {
		t.Fatalf("newPKCEChallenge: %v", err)
	}
	if a.verifier == b.verifier {
		t.Fatal("two independently generated verifiers must not collide")
	}
}

func TestClaimHelpers(t *testing.T) {
	claims := map[string]interface{}{
		"org":    "acme",
		"groups": []interface{}{"admins", "devs"},
	}

	if got := claimString(claims, "org", "fallback"); got != "acme" {
		t.Fatalf("expected acme, got %q", got)
	}
	if got := claimString(claims, "", "fallback"); got != "fallback" {
		t.Fatalf("empty claim key must return fallback, got %q", got)
	}
	if got := claimString(claims, "missing", "fallback"); got != "fallback" {
		t.Fatalf("missing claim must return fallback, got %q", got)
	}

	groups := claimStringSlice(claims, "groups")
	if len(groups) != 2 || groups[0] != "admins" || groups[1] != "devs" {
		t.Fatalf("unexpected groups: %v", groups)
	}

	if claimUUID(claims, "org") != nil {
		t.Fatal("non-uuid claim value must resolve to nil")
	}
}
