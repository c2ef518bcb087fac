package types

import (
	"context"
	"testing"
)

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")

	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID = %q, want %q", got, "req-abc-123")
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}
