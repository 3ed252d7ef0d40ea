package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	if Mark(nil) != nil {
		t.Fatalf("Mark(nil) must stay nil")
	}
	base := errors.New("bad request")
	wrapped := fmt.Errorf("webhook: %w", Mark(base))
	if !Is(wrapped) {
		t.Fatalf("expected permanent marker through wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected cause to stay reachable")
	}
	if Is(base) || Is(nil) {
		t.Fatalf("plain errors must not be permanent")
	}
}

func TestMarkHTTPStatus(t *testing.T) {
	t.Parallel()

	err := errors.New("status")
	for status, want := range map[int]bool{400: true, 401: true, 404: true, 408: false, 429: false, 500: false, 503: false} {
		if got := Is(MarkHTTPStatus(err, status)); got != want {
			t.Fatalf("status %d: permanent=%v want %v", status, got, want)
		}
	}
}
