package stores

import (
	"context"
	"testing"
)

func TestCursorStore_RoundTrip(t *testing.T) {
	s, err := NewLocalCursorStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewLocalCursorStore error: %v", err)
	}
	ctx := context.Background()

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != 0 {
		t.Fatalf("fresh cursor = %d, want 0", got)
	}

	if err := s.Put(ctx, 123456); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, err = s.Get(ctx)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got != 123456 {
		t.Fatalf("cursor = %d, want 123456", got)
	}
}
