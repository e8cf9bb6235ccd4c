package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"studycore/internal/blob/core"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	info, err := s.Put(ctx, "staged/a.tsv", strings.NewReader("ParticipantId\tWeight\n"), core.PutOptions{ContentType: "text/tab-separated-values", Metadata: map[string]string{"dataset": "5001"}})
	if err != nil || info.Size != 21 {
		t.Fatalf("put: %+v %v", info, err)
	}
	if _, err := s.Put(ctx, "staged/a.tsv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists error, got %v", err)
	}
	got, rc, err := s.Get(ctx, "staged/a.tsv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "ParticipantId\tWeight\n" || got.Metadata["dataset"] != "5001" {
		t.Fatalf("unexpected blob %q %+v", body, got)
	}
	got.Metadata["dataset"] = "mutated"
	if head, _ := s.Head(ctx, "staged/a.tsv"); head.Metadata["dataset"] != "5001" {
		t.Fatalf("metadata should be copied")
	}
	_, _ = s.Put(ctx, "other/b", strings.NewReader("b"), core.PutOptions{})
	list, _ := s.List(ctx, "staged/")
	if len(list) != 1 || list[0].Key != "staged/a.tsv" {
		t.Fatalf("unexpected list %+v", list)
	}
	if ok, _ := s.Delete(ctx, "staged/a.tsv"); !ok {
		t.Fatalf("expected delete to report existing blob")
	}
	if ok, _ := s.Delete(ctx, "staged/a.tsv"); ok {
		t.Fatalf("second delete should report missing")
	}
	if _, err := s.Head(ctx, "staged/a.tsv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
