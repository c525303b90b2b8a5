package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Tutortoise/objdetect/camera"
	"github.com/Tutortoise/objdetect/config"
	"github.com/Tutortoise/objdetect/detector"
	"github.com/Tutortoise/objdetect/display"
	"github.com/Tutortoise/objdetect/history"
	"github.com/Tutortoise/objdetect/interpreter"
	"github.com/Tutortoise/objdetect/logging"
	"github.com/Tutortoise/objdetect/models"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagForce  = "force"

	defaultConfigPath = "objdetect.yaml"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "objdetect",
		Usage:           "classify camera frames as cup, laptop or unknown",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
				EnvVars: []string{"OBJDETECT_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Usage:   "enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the capture loop and the HTTP API",
				Action: runAction,
			},
			{
				Name:      "classify",
				Usage:     "classify image files once and print the results as JSON lines",
				ArgsUsage: "<image>...",
				Action:    classifyAction,
			},
			{
				Name:      "init-config",
				Usage:     "write the default configuration file",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagForce,
						Usage: "overwrite an existing file",
					},
				},
				Action: initConfigAction,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := c.String(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func setup(c *cli.Context, adjust func(*config.Config)) (config.Config, *zap.SugaredLogger, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return config.Config{}, nil, err
	}
	if adjust != nil {
		adjust(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newCamera(cfg config.Config) (camera.Camera, error) {
	previewSize := 0
	if cfg.Display.Enabled {
		previewSize = cfg.Display.Canvas
	}
	switch cfg.Camera.Source {
	case "dir":
		return camera.NewDir(cfg.Camera.Dir, cfg.Camera.Pattern, previewSize), nil
	case "http":
		return camera.NewHTTP(cfg.Camera.URL, cfg.Camera.Timeout, previewSize), nil
	default:
		return nil, errors.Errorf("camera source %q is not supported", cfg.Camera.Source)
	}
}

func runAction(c *cli.Context) error {
	cfg, logger, err := setup(c, nil)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := interpreter.InitRuntime(cfg.Runtime.Library); err != nil {
		logger.Errorw("Failed to initialize ONNX Runtime", "error", err)
		return err
	}
	defer interpreter.ShutdownRuntime()

	deps := detector.Deps{Logger: logger}
	if !cfg.Loop.CLIOnly {
		cam, err := newCamera(cfg)
		if err != nil {
			return err
		}
		deps.Camera = cam
	}

	var preview *display.Preview
	if cfg.Display.Enabled {
		preview = display.NewPreview(display.PreviewConfig{
			Width:          cfg.Display.Width,
			Height:         cfg.Display.Height,
			MaxCanvasBytes: int(cfg.Display.MaxCanvas),
			Refresh:        cfg.Display.Refresh,
			OutPath:        cfg.Display.OutPath,
		}, nil, logger)
		preview.Start()
		defer preview.Close()
		deps.Panel = preview
	}

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return errors.Wrap(err, "open history")
		}
		defer store.Close()
		deps.History = store
	}

	det, err := detector.New(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			logger.Warnw("failed to release detector", "error", err)
		}
	}()

	var srv *http.Server
	if cfg.Server.Enabled {
		state := &AppState{Detector: det, Logger: logger}
		if store != nil {
			state.History = store
		}
		if preview != nil {
			state.Preview = preview
		}
		srv = newServer(cfg.Server.Addr, state.Router())
		go func() {
			logger.Infof("Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("server failed", "error", err)
				stop()
			}
		}()
	}

	if cfg.Loop.CLIOnly {
		logger.Info("capture loop disabled, serving one-shot requests only")
		<-ctx.Done()
	} else {
		err = det.Run(ctx)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warnw("server shutdown", "error", serr)
		}
	}
	return err
}

type classifyOutput struct {
	Path string `json:"path"`
	models.Result
	Error string `json:"error,omitempty"`
}

func classifyAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("at least one image path is required")
	}
	cfg, logger, err := setup(c, func(cfg *config.Config) {
		cfg.Loop.CLIOnly = true
		cfg.Display.Enabled = false
		cfg.Server.Enabled = false
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := interpreter.InitRuntime(cfg.Runtime.Library); err != nil {
		return err
	}
	defer interpreter.ShutdownRuntime()

	det, err := detector.New(c.Context, cfg, detector.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer det.Close()

	return classifyFiles(c.Context, det, c.Args().Slice(), json.NewEncoder(c.App.Writer))
}

func classifyFiles(ctx context.Context, det Classifier, paths []string, enc *json.Encoder) error {
	var failed int
	for _, path := range paths {
		out := classifyOutput{Path: path}
		timings := &models.ProcessingTimings{RequestID: path}

		decodeStart := time.Now()
		img, err := imaging.Open(path)
		timings.ImageDecode = time.Since(decodeStart)
		if err == nil {
			out.Result, err = det.Classify(ctx, img, timings)
		}
		if err != nil {
			out.Error = err.Error()
			failed++
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d images could not be classified", failed, len(paths))
	}
	return nil
}

func initConfigAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = defaultConfigPath
	}
	if err := writeConfig(path, c.Bool(flagForce)); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return nil
}
