package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/speechgate/internal/cache"
	"github.com/smallbiznis/speechgate/internal/clock"
	"github.com/smallbiznis/speechgate/internal/config"
	"github.com/smallbiznis/speechgate/internal/entitlement"
	"github.com/smallbiznis/speechgate/internal/ledger"
	"github.com/smallbiznis/speechgate/internal/observability"
	"github.com/smallbiznis/speechgate/internal/plansync"
	"github.com/smallbiznis/speechgate/internal/profile"
	"github.com/smallbiznis/speechgate/internal/ratelimit"
	"github.com/smallbiznis/speechgate/internal/reconcile"
	"github.com/smallbiznis/speechgate/internal/server"
	"github.com/smallbiznis/speechgate/internal/session"
	"github.com/smallbiznis/speechgate/internal/subscription"
	"github.com/smallbiznis/speechgate/pkg/db"
	"go.uber.org/fx"
)

// coreModules is the engine without an HTTP surface.
func coreModules() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,

		// Backend reads
		subscription.Module,
		ledger.Module,

		// Engine
		profile.Module,
		entitlement.Module,
		reconcile.Module,
		plansync.Module,
		session.Module,
	)
}

func serverModules() fx.Option {
	return fx.Options(
		coreModules(),
		ratelimit.Module,
		server.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
