package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/hadrian-run/hadrian/internal/apierr"
	"github.com/hadrian-run/hadrian/internal/routing"
)

func TestUnimplementedDispatcher_FailsClosed(t *testing.T) {
	d := UnimplementedDispatcher{}
	rec := httptest.NewRecorder()

	err := d.Dispatch(context.Background(), rec, &ChatRequest{Model: "gpt-4o"}, &routing.ResolvedProviderInfo{ProviderName: "openai"}, nil)

	var gwErr *apierr.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("err = %v, want *apierr.Error", err)
	}
	if gwErr.Kind != apierr.MissingComponent {
		t.Errorf("Kind = %q, want %q", gwErr.Kind, apierr.MissingComponent)
	}
}
