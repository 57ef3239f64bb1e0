package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"hybridcv/internal/logger"
	"hybridcv/internal/pipeline"
	"hybridcv/internal/server"
	"hybridcv/internal/ws"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Load the models and serve the HTTP API",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.New(cfg.Server.Debug)
		defer func() { _ = log.Sync() }()

		bus := pipeline.NewEventBus()
		defer bus.Close()

		pipe, err := buildPipeline(cfg, log, bus)
		if err != nil {
			return err
		}
		defer func() {
			if err := pipe.Close(); err != nil {
				log.Warn("Closing models", zap.Error(err))
			}
		}()

		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		var events http.Handler
		if cfg.Websocket.Enabled {
			hub := ws.NewEventHub(log.Named("ws"))
			defer hub.Close()
			ch, unsubscribe := bus.SubscribeChannel(64)
			defer unsubscribe()
			go hub.Run(ctx, ch)
			events = ws.NewHandler(hub, log.Named("ws"))
		}

		srv := server.New(pipe, events, server.Config{
			Version:        version,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			RequestTimeout: cfg.Server.RequestTimeout,
			Debug:          cfg.Server.Debug,
		}, log.Named("server"))

		// Used by both the signal handler and server goroutines to notify
		// the main goroutine when to stop the server.
		errc := make(chan error, 1)
		stop := watchSignals(ctx, cancel, errc, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
		handleHTTPServer(ctx, addr, srv.Handler(), cfg.Server, &wg, errc, log)

		if err := initialize(ctx, cfg, pipe); err != nil {
			interrupted := ctx.Err() != nil
			cancel()
			wg.Wait()
			if interrupted {
				log.Info("Startup interrupted", zap.Error(err))
				return nil
			}
			return err
		}

		log.Info("Exiting", zap.Error(<-errc))
		cancel()
		wg.Wait()
		return nil
	},
}

var detectCommand = &cli.Command{
	Name:  "detect",
	Usage: "Detect and segment the objects in one image and print JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "Path to the image", Required: true},
		&cli.Float64Flag{Name: "threshold", Usage: "Minimum detection confidence (default from config)"},
		&cli.IntFlag{Name: "max-items", Usage: "Maximum number of items (default from config)"},
		&cli.BoolFlag{Name: "no-segmentation", Usage: "Skip per-item segmentation"},
		&cli.BoolFlag{Name: "high-res", Usage: "Keep the source resolution"},
	},
	Action: func(c *cli.Context) error {
		return runOffline(c, func(ctx context.Context, pipe *pipeline.HybridPipeline, encoded []byte) (any, error) {
			opts := pipe.DefaultOptions()
			if c.IsSet("threshold") {
				opts.ConfidenceThreshold = float32(c.Float64("threshold"))
			}
			if c.IsSet("max-items") {
				opts.MaxItems = c.Int("max-items")
			}
			if c.Bool("no-segmentation") {
				opts.EnableSegmentation = false
			}
			if c.Bool("high-res") {
				opts.HighResolution = true
			}

			res, err := pipe.Process(ctx, encoded, opts)
			if err != nil {
				return nil, err
			}
			return detectOutput{
				Items:          res.Items,
				DegradedItems:  res.Degraded,
				ProcessingTime: res.ProcessingTime.Seconds(),
			}, nil
		})
	},
}

var segmentCommand = &cli.Command{
	Name:  "segment",
	Usage: "Segment everything in one image and print JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "Path to the image", Required: true},
		&cli.BoolFlag{Name: "high-res", Usage: "Keep the source resolution"},
	},
	Action: func(c *cli.Context) error {
		return runOffline(c, func(ctx context.Context, pipe *pipeline.HybridPipeline, encoded []byte) (any, error) {
			res, err := pipe.ProcessSegmentAll(ctx, encoded, c.Bool("high-res"))
			if err != nil {
				return nil, err
			}
			return segmentOutput{
				Segments:       res.Segments,
				ProcessingTime: res.ProcessingTime.Seconds(),
			}, nil
		})
	},
}

var modelsCommand = &cli.Command{
	Name:  "models",
	Usage: "Load the models and print what they are",
	Action: func(c *cli.Context) error {
		return runOffline(c, func(_ context.Context, pipe *pipeline.HybridPipeline, _ []byte) (any, error) {
			return pipe.ModelInfo(), nil
		})
	},
}

type detectOutput struct {
	Items          []pipeline.DetectedItem `json:"items"`
	DegradedItems  int                     `json:"degraded_items"`
	ProcessingTime float64                 `json:"processing_time"`
}

type segmentOutput struct {
	Segments       []pipeline.SegmentItem `json:"segments"`
	ProcessingTime float64                `json:"processing_time"`
}

// runOffline loads the models, reads the --image file when the command has
// one, runs fn and prints its result as JSON.
func runOffline(c *cli.Context, fn func(ctx context.Context, pipe *pipeline.HybridPipeline, encoded []byte) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.NewStderr(cfg.Server.Debug)
	defer func() { _ = log.Sync() }()

	var encoded []byte
	if path := c.String("image"); path != "" {
		if encoded, err = os.ReadFile(path); err != nil {
			return err
		}
	}

	pipe, err := buildPipeline(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pipe.Close() }()

	if err := initialize(c.Context, cfg, pipe); err != nil {
		return err
	}
	out, err := fn(c.Context, pipe, encoded)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
