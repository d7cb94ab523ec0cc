package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vidclient/internal/api"
	"vidclient/internal/platform/config"
	"vidclient/internal/platform/logger"
	"vidclient/internal/platform/metrics"
	"vidclient/internal/statusapi"
)

type rootFlags struct {
	envFile    string
	configFile string
	statusAddr string
	logLevel   string
}

// app carries what every subcommand shares once flags are parsed.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	var f rootFlags
	a := &app{}

	root := &cobra.Command{
		Use:          "vidclient",
		Short:        "Upload videos and play adaptive streams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(f, cmd.Flags().Changed("env-file"))
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logger.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			a.metrics = metrics.New()
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded into the environment")
	pf.StringVar(&f.configFile, "config", "", "YAML config file")
	pf.StringVar(&f.statusAddr, "status-addr", "", "serve the status API on this address (e.g. 127.0.0.1:8090)")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newUploadCmd(a), newPlayCmd(a))
	return root
}

// resolveConfig layers defaults, the YAML file, the environment and flags, in
// that order. A missing env file is only an error when it was asked for.
func resolveConfig(f rootFlags, envFileRequired bool) (config.Config, error) {
	if f.envFile != "" {
		if err := config.Load(f.envFile); err != nil {
			if envFileRequired || !errors.Is(err, fs.ErrNotExist) {
				return config.Config{}, fmt.Errorf("load env file: %w", err)
			}
		}
	}

	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(f.configFile, cfg); err != nil {
			return cfg, err
		}
	}
	cfg = config.FromEnv(cfg)
	if f.statusAddr != "" {
		cfg.StatusAddr = f.statusAddr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func (a *app) newAPIClient() (*api.Client, error) {
	return api.NewClient(a.cfg.APIBaseURL,
		api.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
		api.WithToken(a.cfg.APIToken),
		api.WithRateLimit(a.cfg.APIRateLimit, 1),
	)
}

// run executes fn next to the status API when an address is configured. The
// server stops once fn returns; a server failure cancels fn.
func (a *app) run(ctx context.Context, h *statusapi.Handler, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.StatusAddr != "" {
		g.Go(func() error {
			return statusapi.Serve(gctx, a.cfg.StatusAddr, statusapi.NewRouter(h), a.log)
		})
	}
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

// syncWriter serializes writes from callback goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
