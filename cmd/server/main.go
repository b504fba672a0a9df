package main

import (
	"github.com/stagebridge/backend/internal/server"
	"github.com/stagebridge/backend/internal/util"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
