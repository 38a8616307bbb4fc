package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rastro/internal/audit"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	"github.com/smallbiznis/rastro/internal/ledger"
	"github.com/smallbiznis/rastro/internal/migration"
	"github.com/smallbiznis/rastro/internal/observability"
	"github.com/smallbiznis/rastro/internal/ratelimit"
	"github.com/smallbiznis/rastro/internal/scheduler"
	"github.com/smallbiznis/rastro/internal/server"
	"github.com/smallbiznis/rastro/internal/ticketcounter"
	"github.com/smallbiznis/rastro/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Functional Domains
		ledger.Module,
		audit.Module,
		ticketcounter.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
