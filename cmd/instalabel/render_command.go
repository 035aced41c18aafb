package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orrn/instalabel/internal/core"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var (
		watermark string
		outPath   string
	)

	cmd := &cobra.Command{
		Use:   "render <image>",
		Short: "Render a label image to a PDF sized to the label width",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			src := args[0]
			img, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			doc, err := core.NewRenderer(cfg.Label.WidthMM).Render(img, watermark)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = strings.TrimSuffix(src, filepath.Ext(src)) + ".pdf"
			}
			if err := os.WriteFile(outPath, doc.PDF, 0o644); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %.0fx%dmm label, %d bytes\n",
				outPath, cfg.Label.WidthMM, doc.LabelHeightMM(cfg.Label.WidthMM), len(doc.PDF))
			return nil
		},
	}

	cmd.Flags().StringVarP(&watermark, "watermark", "w", "", "Watermark text drawn at the bottom right")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output path (default: image path with .pdf)")
	return cmd
}
