package session

import (
	"testing"
	"time"

	"github.com/HyphaGroup/reliquary/internal/executor"
	"github.com/HyphaGroup/reliquary/internal/executor/inprocess"
	"github.com/HyphaGroup/reliquary/internal/provider"
)

func TestSessionLifecycle(t *testing.T) {
	s := New(inprocess.New(inprocess.Options{}), provider.Providers{})
	if s.ID() == "" {
		t.Error("ID() = empty")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Close()

	result, err := s.Run("x = 10\nx * 2", 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Value != int64(20) {
		t.Errorf("Run() value = %v, want 20", result.Value)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	result, err = s.Run("x", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Failed() {
		t.Error("Run(x) after Reset succeeded, want undefined error")
	}
}

func TestSessionRunBeforeStart(t *testing.T) {
	s := New(inprocess.New(inprocess.Options{}), provider.Providers{})
	if _, err := s.Run("1", time.Second); err != executor.ErrNotStarted {
		t.Errorf("Run() error = %v, want ErrNotStarted", err)
	}
}

func TestSessionSupports(t *testing.T) {
	s := New(inprocess.New(inprocess.Options{}), provider.Providers{})
	if !s.Supports(executor.CapTimeout) {
		t.Error("Supports(TIMEOUT) = false")
	}
	if s.Supports(executor.CapProcessIsolation) {
		t.Error("Supports(PROCESS_ISOLATION) = true for in-process backend")
	}
}
