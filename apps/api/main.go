package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rastro/internal/audit"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	"github.com/smallbiznis/rastro/internal/ledger"
	"github.com/smallbiznis/rastro/internal/observability"
	"github.com/smallbiznis/rastro/internal/ratelimit"
	"github.com/smallbiznis/rastro/internal/server"
	"github.com/smallbiznis/rastro/internal/ticketcounter"
	"github.com/smallbiznis/rastro/pkg/db"
	"go.uber.org/fx"
)

// The API binary serves HTTP only; migrations and the scheduler run elsewhere.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		ledger.Module,
		audit.Module,
		ticketcounter.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
