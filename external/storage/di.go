// Package storagedi selects and provides the configured storage.Store
// backend (s3 or swift) into the injector, mirroring the teacher's
// RegisterDI-per-package convention for a component with more than
// one concrete implementation.
package storagedi

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"

	"github.com/meetingbots/orchestrator/external/storage/s3"
	"github.com/meetingbots/orchestrator/external/storage/swift"
	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/storage"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (storage.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		switch cfg.ObjectStoreBackend {
		case "s3":
			store, err := s3.New(context.Background(), s3.Config{
				Endpoint:        cfg.S3Endpoint,
				Region:          cfg.S3Region,
				Bucket:          cfg.S3Bucket,
				AccessKeyID:     cfg.S3AccessKeyID,
				SecretAccessKey: cfg.S3SecretAccessKey,
			})
			if err != nil {
				return nil, fmt.Errorf("build s3 store: %w", err)
			}
			return store, nil
		case "swift":
			return swift.New(swift.Config{
				AuthURL:           cfg.SwiftAuthURL,
				ApplicationID:     cfg.SwiftApplicationID,
				ApplicationSecret: cfg.SwiftApplicationSecret,
				Container:         cfg.SwiftContainer,
			}), nil
		default:
			return nil, fmt.Errorf("unknown object store backend %q", cfg.ObjectStoreBackend)
		}
	})
}
