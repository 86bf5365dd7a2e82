package profile

import (
	"github.com/smallbiznis/speechgate/internal/entitlement"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	"go.uber.org/fx"
)

var Module = fx.Module("profile",
	fx.Provide(NewService),
	fx.Provide(func(s *Service) entitlement.RecordSource { return s }),
	fx.Provide(func(s *Service) reconcile.Observer { return s }),
)
