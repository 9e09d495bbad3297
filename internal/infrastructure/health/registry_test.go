package health

import (
	"fmt"
	"testing"
)

func TestRegistry_Aggregation(t *testing.T) {
	reg := NewRegistry()

	// Initial state: healthy (no checks)
	if !reg.Healthy() {
		t.Error("Empty registry should be healthy")
	}

	reg.Register("results_store", func() error { return nil })
	if !reg.Healthy() {
		t.Error("Passing check should not fail the registry")
	}

	reg.Register("output_dir", func() error { return fmt.Errorf("permission denied") })
	if reg.Healthy() {
		t.Error("Failing check should fail the registry")
	}

	status := reg.Status()
	if status["results_store"] != "ok" {
		t.Errorf("Expected ok, got %s", status["results_store"])
	}
	if status["output_dir"] != "permission denied" {
		t.Errorf("Expected error text, got %s", status["output_dir"])
	}
}

func TestRegistry_ReplacesCheck(t *testing.T) {
	reg := NewRegistry()

	reg.Register("results_store", func() error { return fmt.Errorf("closed") })
	if reg.Healthy() {
		t.Error("Failing check should fail the registry")
	}

	// Re-registering a component replaces its check
	reg.Register("results_store", func() error { return nil })
	if !reg.Healthy() {
		t.Error("Replaced check should pass")
	}
}
