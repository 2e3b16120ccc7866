// Package launcherdi selects the configured launcher.Launcher backend
// (process or container) into the injector.
package launcherdi

import (
	"fmt"

	"github.com/samber/do/v2"

	"github.com/meetingbots/orchestrator/external/launcher/container"
	"github.com/meetingbots/orchestrator/external/launcher/process"
	"github.com/meetingbots/orchestrator/internal/config"
	"github.com/meetingbots/orchestrator/internal/launcher"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (launcher.Launcher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		switch cfg.LauncherKind {
		case "process":
			return process.New(cfg.WorkerBinary), nil
		case "container":
			return container.New(container.Config{Image: cfg.WorkerBinary}), nil
		default:
			return nil, fmt.Errorf("unknown launcher kind %q", cfg.LauncherKind)
		}
	})
}
