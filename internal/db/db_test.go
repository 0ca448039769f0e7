package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestWrapNotFound(t *testing.T) {
	if WrapNotFound(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if err := WrapNotFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	boom := errors.New("boom")
	err := WrapNotFound(boom)
	if !errors.Is(err, boom) || IsNotFound(err) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if !IsNotFound(pgx.ErrNoRows) {
		t.Fatal("expected pgx.ErrNoRows to count as not found")
	}
}
