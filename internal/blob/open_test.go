package blob

import (
	"context"
	"testing"

	"studycore/internal/blob/core"
	"studycore/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		cfg  config.Blob
		want core.Driver
	}{
		{config.Blob{Driver: "memory"}, core.DriverMemory},
		{config.Blob{Driver: "fs", FSRoot: t.TempDir()}, core.DriverFilesystem},
		{config.Blob{FSRoot: t.TempDir()}, core.DriverFilesystem},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.cfg, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("open %+v: driver %s, want %s", tc.cfg, store.Driver(), tc.want)
		}
	}
	if _, err := Open(ctx, config.Blob{Driver: "s3"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, config.Blob{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
