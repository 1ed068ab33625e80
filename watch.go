package main

import (
	"log/slog"

	"github.com/chaos-io/megaphototool/watch"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process every image dropped into a directory",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().String("in", "", "directory to watch")
	watchCmd.Flags().String("out", "", "directory the processed PNGs are written to")
	watchCmd.Flags().Duration("debounce", 0, "quiet period before a new file is picked up (default 300ms)")
	addParamFlags(watchCmd)
	_ = watchCmd.MarkFlagRequired("in")
	_ = watchCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	debounce, _ := cmd.Flags().GetDuration("debounce")

	params, err := paramsFromFlags(cmd, cfg)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		InDir:    in,
		OutDir:   out,
		Pipeline: p,
		Params:   params,
		Debounce: debounce,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	return w.Run(ctx)
}
