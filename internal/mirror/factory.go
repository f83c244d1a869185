package mirror

import (
	"context"
	"fmt"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/config"
)

// NewMirrorFromConfig creates the mirror named by cfg.Type. An empty type
// means no mirror is configured and returns (nil, nil).
func NewMirrorFromConfig(ctx context.Context, cfg config.MirrorConfig) (br.Mirror, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryMirror(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem mirror requires fs_root to be set")
		}
		return NewFileSystemMirror(cfg.Name, cfg.FSRoot)
	case "s3":
		return NewS3Mirror(ctx, cfg.Name, S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown mirror type: %s", cfg.Type)
	}
}
