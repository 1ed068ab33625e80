package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chaos-io/megaphototool/pipeline"
	"github.com/chaos-io/megaphototool/util"
	nhttp "github.com/chaos-io/megaphototool/util/http"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one image in express mode and save the PNG",
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().StringP("input", "i", "", "input image path or http(s) URL")
	processCmd.Flags().StringP("output", "o", ".", "output directory")
	addParamFlags(processCmd)
	_ = processCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	input, _ := cmd.Flags().GetString("input")
	outputDir, _ := cmd.Flags().GetString("output")

	params, err := paramsFromFlags(cmd, cfg)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	defer util.Trace("process " + input)()

	data, err := util.LoadImage(ctx, nhttp.NewHTTPClient(), input)
	if err != nil {
		return fmt.Errorf("loading input: %w", err)
	}
	mediaType := util.MediaType(data)
	if !pipeline.IsImage(mediaType) {
		slog.Debug("input skipped", "input", input, "type", mediaType)
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %s: %s is not an image\n", input, mediaType)
		return nil
	}

	a, err := p.Express(ctx, pipeline.Upload{Name: filepath.Base(input), MediaType: mediaType, Data: data}, params)
	if err != nil {
		return fmt.Errorf("processing: %w", err)
	}

	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	outPath := filepath.Join(outputDir, a.Name)
	if err := os.WriteFile(outPath, a.PNG, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Processed %s (%d bytes, boost %v%%, size %s)\n", input, len(data), params.Boost, params.Size)
	fmt.Fprintf(cmd.OutOrStdout(), "Output: %s (%dx%d)\n", outPath, a.Width, a.Height)
	return nil
}
