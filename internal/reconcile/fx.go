package reconcile

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(NewManager),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return m.StopAll(ctx)
		},
	})
}
