package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rastro/internal/audit"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	"github.com/smallbiznis/rastro/internal/ledger"
	"github.com/smallbiznis/rastro/internal/observability"
	"github.com/smallbiznis/rastro/internal/ratelimit"
	"github.com/smallbiznis/rastro/internal/scheduler"
	"github.com/smallbiznis/rastro/internal/ticketcounter"
	"github.com/smallbiznis/rastro/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		// Redis lock keeps replicas from running the same period twice.
		ratelimit.Module,

		// Domain services required by scheduler
		ledger.Module,
		audit.Module,
		ticketcounter.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
