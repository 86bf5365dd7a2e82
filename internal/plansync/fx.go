package plansync

import (
	"github.com/smallbiznis/speechgate/internal/reconcile"
	"go.uber.org/fx"
)

var Module = fx.Module("plansync",
	fx.Provide(NewCoordinator),
	fx.Provide(func(c *Coordinator) reconcile.Resyncer { return c }),
)
