// Command srcds-exporter serves Prometheus metrics collected from Source
// dedicated servers over RCON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/srcds-exporter/srcds-exporter/internal/adapter"
	"github.com/srcds-exporter/srcds-exporter/internal/config"
	"github.com/srcds-exporter/srcds-exporter/internal/logging"
)

type options struct {
	configFile  string
	writeConfig string
	address     string
	port        int
	mode        string
	password    string
	serverAddr  string
	serverPort  int
	logLevel    string
	logFormat   string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "srcds-exporter:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("srcds-exporter", pflag.ContinueOnError)
	opts := &options{}
	defaults := config.NewDefault()

	fs.StringVar(&opts.configFile, "config", "", "path to a YAML configuration file")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write the effective configuration to this path and exit")
	fs.StringVar(&opts.address, "address", defaults.Server.Address, "address to listen on")
	fs.IntVar(&opts.port, "port", defaults.Server.Port, "port to listen on")
	fs.StringVar(&opts.mode, "mode", defaults.Server.Mode, "auto, single or multi")
	fs.StringVar(&opts.password, "password", "", "RCON password; enables single-server mode")
	fs.StringVar(&opts.serverAddr, "server_address", defaults.Target.Address, "address of the game server in single-server mode")
	fs.IntVar(&opts.serverPort, "server_port", defaults.Target.Port, "RCON port of the game server in single-server mode")
	fs.StringVar(&opts.logLevel, "log-level", defaults.Monitoring.Logging.Level, "DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&opts.logFormat, "log-format", defaults.Monitoring.Logging.Format, "json or console")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(fs, opts)
	if err != nil {
		return err
	}

	if opts.writeConfig != "" {
		return cfg.SaveToFile(opts.writeConfig)
	}

	logger, err := logging.New(cfg.Monitoring.Logging.Level, cfg.Monitoring.Logging.Format)
	if err != nil {
		return err
	}
	defer logging.Flush(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start exporter", zap.Error(err))
		return err
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("Exporter stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Exporter stopped")
	return nil
}

// loadConfig layers defaults, the config file, the environment and finally
// the flags that were set explicitly.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if fs.Changed("address") {
		cfg.Server.Address = opts.address
	}
	if fs.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if fs.Changed("mode") {
		cfg.Server.Mode = opts.mode
	}
	if fs.Changed("password") {
		cfg.Target.Password = opts.password
	}
	if fs.Changed("server_address") {
		cfg.Target.Address = opts.serverAddr
	}
	if fs.Changed("server_port") {
		cfg.Target.Port = opts.serverPort
	}
	if fs.Changed("log-level") {
		cfg.Monitoring.Logging.Level = opts.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Monitoring.Logging.Format = opts.logFormat
	}
	return cfg, nil
}
