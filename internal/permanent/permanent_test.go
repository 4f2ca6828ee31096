package permanent

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMarkAndIs(t *testing.T) {
	t.Parallel()

	root := errors.New("invalid recipient")
	marked := fmt.Errorf("send: %w", Mark(root))
	if !Is(marked) {
		t.Fatalf("wrapped marker must be detected")
	}
	if !errors.Is(marked, root) {
		t.Fatalf("marker must keep root cause")
	}
	if Is(root) || Is(nil) || Mark(nil) != nil {
		t.Fatalf("unexpected marker detection")
	}
}

func TestForStatus(t *testing.T) {
	t.Parallel()

	err := errors.New("provider")
	cases := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnauthorized:        true,
		http.StatusNotFound:            true,
		http.StatusRequestTimeout:      false,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for status, want := range cases {
		if got := Is(ForStatus(status, err)); got != want {
			t.Fatalf("status %d permanent=%v want %v", status, got, want)
		}
	}
	if ForStatus(http.StatusBadRequest, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
