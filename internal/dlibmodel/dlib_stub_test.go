//go:build !dlib

package dlibmodel

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestNewWithoutDlibTagFails(t *testing.T) {
	ext, err := New("models", zap.NewNop())
	if !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("expected ErrNotCompiled, got %v", err)
	}
	if ext != nil {
		t.Fatal("expected nil extractor")
	}

	var stub *Extractor
	if _, err := stub.Extract(context.Background(), nil); !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("expected ErrNotCompiled from Extract, got %v", err)
	}
}
