package main

import (
	"flag"
	"fmt"
	"os"

	"botcore/internal/bootstrap"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	rt, err := bootstrap.New(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		rt.Logger.Error("Exited with error", "error", err)
		os.Exit(1)
	}
}
