package tools

import (
	"testing"

	"github.com/JrmHsr/pimemento/internal/config"
	"github.com/JrmHsr/pimemento/internal/memory"
)

func newTestToolsConfig(t *testing.T) ToolsConfig {
	t.Helper()
	store, err := memory.NewJSONStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	svc := memory.NewService(store, nil, config.Config{
		MaxContentLen:  500,
		DedupThreshold: 0.85,
		SaveRateLimit:  30,
		SaveRateWindow: 60,
	})
	return ToolsConfig{Service: svc}
}

// TestBuildTools tests that all five memory tools are declared.
func TestBuildTools(t *testing.T) {
	tools, err := BuildTools(newTestToolsConfig(t))
	if err != nil {
		t.Fatalf("failed to build tools: %v", err)
	}
	if len(tools) != 5 {
		t.Fatalf("got %d tools, want 5", len(tools))
	}
	for i, tl := range tools {
		if tl == nil {
			t.Errorf("tool %d is nil", i)
		}
	}
}

// TestTextResult tests the success flag derivation from the text protocol.
func TestTextResult(t *testing.T) {
	if r := textResult("Saved.\nbusiness_context | decision"); !r.Success {
		t.Error("success text should set Success")
	}
	if r := textResult("Error: content required."); r.Success {
		t.Error("error text should clear Success")
	}
}
