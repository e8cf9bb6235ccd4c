package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewModesAndLevels(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		logger, err := New(mode, "warn")
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if logger.Desugar().Core().Enabled(zap.InfoLevel) {
			t.Fatalf("%s: info should be disabled at warn level", mode)
		}
	}
	if _, err := New("production", "loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestComponentTagsEntries(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Component(zap.New(core).Sugar(), "importer").Infow("phase", "phase", "parsing")
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["component"] != "importer" {
		t.Fatalf("component field missing: %v", entries[0].ContextMap())
	}
	Component(nil, "x").Infow("dropped")
}
