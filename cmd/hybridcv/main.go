package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"hybridcv/config"
)

var version = "dev"

var (
	configPath string
	debug      bool
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "hybridcv",
		Usage:   "Object detection with per-object segmentation masks",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the YAML configuration file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"HYBRIDCV_CONFIG"},
				Value:       config.DefaultPath,
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "Enable debug logging",
				Destination: &debug,
			},
		},
		Commands: []*cli.Command{serveCommand, detectCommand, segmentCommand, modelsCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration selected by the global flags
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Server.Debug = true
	}
	return cfg, nil
}
