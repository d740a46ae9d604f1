package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/vilokanam/internal/alert"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/coordinator"
	"github.com/smallbiznis/vilokanam/internal/journal"
	"github.com/smallbiznis/vilokanam/internal/migration"
	"github.com/smallbiznis/vilokanam/internal/observability"
	"github.com/smallbiznis/vilokanam/internal/ratelimit"
	"github.com/smallbiznis/vilokanam/internal/server"
	"github.com/smallbiznis/vilokanam/internal/settlement"
	"github.com/smallbiznis/vilokanam/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Metering
		alert.Module,
		ratelimit.Module,
		journal.Module,
		coordinator.Module,
		settlement.Module,

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
