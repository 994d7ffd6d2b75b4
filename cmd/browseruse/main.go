package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/workerrpc/browseruse"
	"github.com/guseggert/workerrpc/internal/logging"
	"github.com/guseggert/workerrpc/remote"
	"github.com/guseggert/workerrpc/rpc"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "browseruse",
		Usage: "drive a browser automation agent running as a Python worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "TOML config file.",
				EnvVars: []string{"BROWSERUSE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "python",
				Usage:   "The Python interpreter.",
				EnvVars: []string{browseruse.EnvPython},
			},
			&cli.StringFlag{
				Name:    "script",
				Usage:   "The worker script. Defaults to the nearest agent.py in the working directory or its parents.",
				EnvVars: []string{"BROWSERUSE_SCRIPT"},
			},
			&cli.BoolFlag{
				Name:  "headless",
				Usage: "Run the browser headless.",
				Value: true,
			},
			&cli.IntFlag{
				Name:  "max-steps",
				Usage: "Default step limit for goals.",
			},
			&cli.StringFlag{
				Name:    "model",
				Usage:   "The model the agent uses.",
				EnvVars: []string{browseruse.EnvModel},
			},
			&cli.StringFlag{
				Name:    "proxy",
				Usage:   "Proxy for the browser.",
				EnvVars: []string{browseruse.EnvProxy},
			},
			&cli.IntFlag{
				Name:  "timeout-ms",
				Usage: "Per-request timeout in milliseconds.",
			},
			&cli.StringFlag{
				Name:    "remote",
				Usage:   "Base URL of a 'browseruse serve' instance to run the worker on, instead of a local process.",
				EnvVars: []string{"BROWSERUSE_REMOTE"},
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "If set, serve client metrics on this address while the command runs.",
			},
			&cli.StringFlag{
				Name:  "worker-log-file",
				Usage: "Also write worker diagnostics to this file, rotated by size.",
			},
			&cli.BoolFlag{
				Name:  "json-logs",
				Usage: "Log JSON using zap's production config.",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log at debug level.",
			},
		},
		Before: func(c *cli.Context) error {
			level := zapcore.InfoLevel
			if c.Bool("verbose") {
				level = zapcore.DebugLevel
			}
			loggers, err := logging.New(logging.Config{
				Development:     !c.Bool("json-logs"),
				Level:           level,
				DiagnosticsFile: c.String("worker-log-file"),
				MaxSizeMB:       50,
				MaxBackups:      3,
			})
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			c.App.Metadata["loggers"] = loggers
			return nil
		},
		After: func(c *cli.Context) error {
			if l, ok := c.App.Metadata["loggers"].(*logging.Loggers); ok {
				return l.Close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "ping",
				Usage: "start the worker and wait for it to answer",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						fmt.Println("ok")
						return nil
					})
				},
			},
			{
				Name:      "call",
				Usage:     "send a request of any type",
				ArgsUsage: "<type> [json params]",
				Action: func(c *cli.Context) error {
					typ := c.Args().Get(0)
					if typ == "" {
						return errors.New("request type required")
					}
					var params any
					if p := c.Args().Get(1); p != "" {
						params = json.RawMessage(p)
					}
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						return printResult(client.RPC.Invoke(ctx, typ, params))
					})
				},
			},
			{
				Name:      "goto",
				Usage:     "navigate to a URL",
				ArgsUsage: "<url>",
				Action: func(c *cli.Context) error {
					url := c.Args().First()
					if url == "" {
						return errors.New("url required")
					}
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						return printResult(client.Goto(ctx, url))
					})
				},
			},
			{
				Name:      "content",
				Usage:     "print the page content after optionally navigating to a URL",
				ArgsUsage: "[url]",
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						if url := c.Args().First(); url != "" {
							if _, err := client.Goto(ctx, url); err != nil {
								return err
							}
						}
						return printResult(client.Content(ctx))
					})
				},
			},
			{
				Name:      "screenshot",
				Usage:     "take a screenshot after optionally navigating to a URL",
				ArgsUsage: "[url]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "full-page", Usage: "Capture the whole page."},
				},
				Action: func(c *cli.Context) error {
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						if url := c.Args().First(); url != "" {
							if _, err := client.Goto(ctx, url); err != nil {
								return err
							}
						}
						return printResult(client.Screenshot(ctx, map[string]bool{"fullPage": c.Bool("full-page")}))
					})
				},
			},
			{
				Name:      "run-goal",
				Usage:     "have the agent accomplish a goal",
				ArgsUsage: "<goal>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start-url", Usage: "URL to start from."},
					&cli.IntFlag{Name: "steps", Usage: "Step limit for this goal."},
				},
				Action: func(c *cli.Context) error {
					goal := c.Args().First()
					if goal == "" {
						return errors.New("goal required")
					}
					return withClient(c, func(ctx context.Context, client *browseruse.Client) error {
						return printResult(client.RunGoal(ctx, goal, c.String("start-url"), c.Int("steps")))
					})
				},
			},
			{
				Name:  "serve",
				Usage: "serve workers over WebSockets",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on.",
						Value: "0.0.0.0:8080",
					},
				},
				Action: serve,
			},
		},
	}
	app.Metadata = map[string]interface{}{}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loggers(c *cli.Context) *logging.Loggers {
	return c.App.Metadata["loggers"].(*logging.Loggers)
}

func loadConfig(c *cli.Context) (browseruse.Config, error) {
	cfg := browseruse.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = browseruse.LoadConfig(path)
		if err != nil {
			return browseruse.Config{}, err
		}
	}
	cfg = browseruse.ConfigFromEnv(cfg)
	if c.IsSet("python") {
		cfg.Python = c.String("python")
	}
	if c.IsSet("script") {
		cfg.Script = c.String("script")
	}
	if c.IsSet("headless") {
		cfg.Headless = c.Bool("headless")
	}
	if c.IsSet("max-steps") {
		cfg.MaxSteps = c.Int("max-steps")
	}
	if c.IsSet("model") {
		cfg.Model = c.String("model")
	}
	if c.IsSet("proxy") {
		cfg.Proxy = c.String("proxy")
	}
	if c.IsSet("timeout-ms") {
		cfg.TimeoutMS = c.Int("timeout-ms")
	}
	return cfg, cfg.Validate()
}

func newClient(c *cli.Context, reg prometheus.Registerer) (*browseruse.Client, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	l := loggers(c)
	opts := []browseruse.Option{
		browseruse.WithLogger(l.Log),
		browseruse.WithRPCOptions(
			rpc.WithDiagnosticLogger(l.Diagnostics),
			rpc.WithRegisterer(reg),
		),
	}
	if url := c.String("remote"); url != "" {
		launcher := remote.NewLauncher(url, remote.WithLauncherLogger(l.Log))
		return browseruse.NewWithLauncher(launcher, cfg, opts...), nil
	}
	return browseruse.New(cfg, opts...)
}

// withClient runs f against a started client, and stops the client afterwards or when interrupted.
func withClient(c *cli.Context, f func(ctx context.Context, client *browseruse.Client) error) error {
	reg := newRegistry()
	client, err := newClient(c, reg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr := c.String("metrics-addr"); addr != "" {
		metricsServer := &http.Server{Addr: addr, Handler: metricsRouter(reg)}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				loggers(c).Log.Warn("serving metrics", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			loggers(c).Log.Warn("stopping worker", zap.Error(err))
		}
	}()

	if err := client.Start(ctx); err != nil {
		return err
	}
	return f(ctx, client)
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func metricsRouter(reg *prometheus.Registry) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router
}

func printResult(res json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(string(res))
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	l := loggers(c)
	cmd, err := cfg.Command(l.Log.Named("worker_process").Sugar())
	if err != nil {
		return err
	}

	srv := &remote.Server{Launcher: cmd, Log: l.Log.Named("server").Sugar()}
	router := metricsRouter(newRegistry())
	router.NotFound = srv.Handler()

	httpServer := &http.Server{
		Addr:    c.String("listen-addr"),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	l.Log.Info("listening", zap.String("Addr", httpServer.Addr))
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
