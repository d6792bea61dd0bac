// Package commands implements the multiagent CLI subcommands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	multiagent "github.com/KiranJinka45/multiAgent-sub000"
	"github.com/KiranJinka45/multiAgent-sub000/errors"
	"github.com/KiranJinka45/multiAgent-sub000/internal/config"
	"github.com/KiranJinka45/multiAgent-sub000/logger"
)

var (
	configPath   string
	outputFormat string
	jsonLogs     bool
	logLevel     string
)

// RegisterFlags adds the flags every subcommand shares.
func RegisterFlags(root *cobra.Command) {
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	opts := logger.Options{JSON: cfg.Log.JSON || jsonLogs, Level: cfg.Log.Level}
	if logLevel != "" {
		opts.Level = logLevel
	}
	log, err := logger.New(opts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "initialize logger")
	}
	return cfg, log, nil
}

func openBundle(ctx context.Context) (*multiagent.Bundle, *zap.SugaredLogger, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	b, err := multiagent.NewBundle(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return b, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func render(w io.Writer, v any) error {
	switch strings.ToLower(outputFormat) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Newf("unknown output format %q", outputFormat)
	}
}

// Describe formats err with its hints and details for the terminal.
func Describe(err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %v", err)
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintf(&b, "\n  hint: %s", h)
	}
	for _, d := range errors.GetAllDetails(err) {
		fmt.Fprintf(&b, "\n  detail: %s", d)
	}
	return b.String()
}
