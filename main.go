package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaos-io/megaphototool/config"
	"github.com/chaos-io/megaphototool/enhance"
	"github.com/chaos-io/megaphototool/enhance/rembg"
	"github.com/chaos-io/megaphototool/pipeline"
	mlog "github.com/chaos-io/megaphototool/util/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           config.AppName,
	Short:         "Remove the background of product photos, brighten and resize them",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logCloser, err = mlog.Setup(cfg.LogOptions())
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides the config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRemover(c *config.Config) (rembg.Remover, error) {
	opts, err := c.RemoverOptions()
	if err != nil {
		return nil, err
	}
	r, err := rembg.New(opts)
	if err != nil {
		return nil, err
	}
	slog.Debug("background remover ready", "kind", opts.Kind, "url", opts.URL)
	return r, nil
}

func newPipeline(c *config.Config) (*pipeline.Pipeline, error) {
	remover, err := newRemover(c)
	if err != nil {
		return nil, err
	}
	filter, err := enhance.ParseFilter(c.Process.Filter)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Options{
		Remover:           remover,
		Resampler:         enhance.NewResampler(filter),
		MaxBoost:          c.Process.MaxBoost,
		MaxSize:           c.Process.MaxSize,
		SkipIfTransparent: c.Process.SkipIfTransparent,
	}), nil
}

// addParamFlags registers --boost and --size on cmd.
func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("boost", 0, "brightness boost in percent (default from config)")
	cmd.Flags().String("size", "", `square edge length in pixels or "original" (default from config)`)
}

// paramsFromFlags reads --boost and --size, falling back to the config defaults.
func paramsFromFlags(cmd *cobra.Command, c *config.Config) (pipeline.Params, error) {
	params := pipeline.Params{Boost: c.Process.DefaultBoost, Size: c.Process.DefaultSize}
	if cmd.Flags().Changed("boost") {
		boost, _ := cmd.Flags().GetFloat64("boost")
		params.Boost = boost
	}
	if cmd.Flags().Changed("size") {
		v, _ := cmd.Flags().GetString("size")
		size, err := enhance.ParseTargetSize(v)
		if err != nil {
			return params, err
		}
		params.Size = size
	}
	return params, nil
}
