// saturn-server hosts the analytics HTTP API and the scheduled nightly
// global refresh.
package main

import (
	"log"
	"os"

	"saturn/internal/app"
	"saturn/internal/config"
	"saturn/internal/util"
)

func main() {
	cfgPath := "config/saturn.yaml"
	if p := os.Getenv("SATURN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := app.Serve(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
