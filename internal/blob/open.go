// Package blob selects the staged-artifact store backend from configuration.
package blob

import (
	"context"
	"fmt"

	"studycore/internal/blob/core"
	"studycore/internal/config"
	"studycore/internal/infra/blob/fs"
	"studycore/internal/infra/blob/memory"
	"studycore/internal/infra/blob/s3"
)

// Open builds the blob store named by cfg.Driver (fs by default).
func Open(ctx context.Context, cfg config.Blob) (core.Store, error) {
	switch core.Driver(cfg.Driver) {
	case core.DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case core.DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			PathStyle:       cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
