package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/envmon/internal/device"
	"github.com/shaunagostinho/envmon/internal/logging"
	"github.com/shaunagostinho/envmon/internal/monitor"
	"github.com/shaunagostinho/envmon/internal/server"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	Demo       bool
	Port       string
	Format     string // "text" | "json"
	Timeout    time.Duration
	logOut     io.Writer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{logOut: os.Stderr}

	cmd := &cobra.Command{
		Use:   "envmon",
		Short: "Temperature/humidity sensor monitor",
		Long: `envmon talks to a serial temperature/humidity sensor, keeps its clock in
sync, raises overheat alerts and serves live readings over HTTP and WebSocket.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/envmon/config.yaml", "path to config file (.yaml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.Demo, "demo", false, "use the simulated sensor")
	cmd.PersistentFlags().StringVarP(&opts.Port, "port", "p", "", "override serial port (e.g. /dev/ttyUSB0, COM3)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "deadline for one-shot commands")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newReadCommand(opts))
	cmd.AddCommand(newThresholdCommand(opts))
	cmd.AddCommand(newClockCommand(opts))
	return cmd
}

// setup loads the config and builds the logger it asks for.
func setup(opts *rootOptions) (*server.Config, zerolog.Logger) {
	boot := logging.New(logging.Config{Level: opts.LogLevel}, opts.logOut)
	cfg := server.LoadConfig(opts.ConfigPath, boot)
	if opts.Demo {
		cfg.SetDemo()
	}
	if opts.Port != "" {
		cfg.Device.PortPath = opts.Port
	}
	lc := cfg.Logging
	if opts.LogLevel != "" {
		lc.Level = opts.LogLevel
	}
	return cfg, logging.New(lc, opts.logOut)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor the sensor and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := setup(opts)
			if listen != "" {
				cfg.SetListenAddr(listen)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	return cmd
}

func run(ctx context.Context, cfg *server.Config, log zerolog.Logger) error {
	log.Info().Str("device", cfg.Device.Type).Str("port", cfg.Device.PortPath).Msg("envmon starting")

	open, err := cfg.Opener()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mc := cfg.MonitorSettings()
	mc.Opener = open
	mon := monitor.New(mc, log, monitor.NewMetrics(reg))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(ctx)
	}()

	// The server works immediately even while the device is still connecting.
	err = server.New(cfg, mon, reg, log).Run(ctx)
	cancel()
	<-monDone
	if err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	log.Info().Msg("envmon stopped")
	return nil
}

// withController opens a controller for a one-shot command.
func withController(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, c *device.Controller) error) error {
	cfg, log := setup(opts)
	open, err := cfg.Opener()
	if err != nil {
		return err
	}
	dc := cfg.DeviceSettings()
	dc.Logger = log
	// Only the command itself is wanted; the poller reads once at open.
	dc.PollInterval = time.Hour

	c := device.New(dc, open)
	if err := c.Open(""); err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func output(cmd *cobra.Command, opts *rootOptions, v any, text string) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func newReadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Read temperature and humidity once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd, opts, func(ctx context.Context, c *device.Controller) error {
				r, err := c.PollOnce(ctx)
				if err != nil {
					return err
				}
				return output(cmd, opts, r,
					fmt.Sprintf("temperature=%.2f°C humidity=%.2f%%", r.Temperature, r.Humidity))
			})
		},
	}
}

func newThresholdCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Get or set the device temperature limit",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the temperature limit stored on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd, opts, func(ctx context.Context, c *device.Controller) error {
				pend, err := c.GetThreshold(nil, nil)
				if err != nil {
					return err
				}
				r, err := pend.Wait(ctx)
				if err != nil {
					return err
				}
				return output(cmd, opts, map[string]float32{"value": r.Value},
					strconv.FormatFloat(float64(r.Value), 'f', -1, 32))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <celsius>",
		Short: "Store a new temperature limit on the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseFloat(args[0], 32)
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[0], err)
			}
			return withController(cmd, opts, func(ctx context.Context, c *device.Controller) error {
				pend, err := c.SetThreshold(float32(v), nil, nil)
				if err != nil {
					return err
				}
				if _, err := pend.Wait(ctx); err != nil {
					return err
				}
				return output(cmd, opts, map[string]float32{"value": float32(v)}, "ok")
			})
		},
	})
	return cmd
}

func newClockCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Device clock commands",
	}

	var epoch int64
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Set the device clock to the host time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(cmd, opts, func(ctx context.Context, c *device.Controller) error {
				sent := epoch
				if sent == 0 {
					sent = time.Now().Unix() + 1
				}
				pend, err := c.SetClock(int32(sent), nil)
				if err != nil {
					return err
				}
				if _, err := pend.Wait(ctx); err != nil {
					return err
				}
				return output(cmd, opts, map[string]int64{"epoch": sent}, strconv.FormatInt(sent, 10))
			})
		},
	}
	sync.Flags().Int64Var(&epoch, "epoch", 0, "send this Unix time instead of now+1s")
	cmd.AddCommand(sync)
	return cmd
}
