package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/inferloop/rsimle/internal/providers"
)

type SampleOptions struct {
	Source WeightSource
	Count  int
	Seed   uint64
	Output string
}

func NewSampleCmd(global *GlobalOptions) *cobra.Command {
	opts := &SampleOptions{}

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate points from trained weights",
		Long: `Rebuild the generator described by a weight file, push fresh Gaussian
latents through it and write the resulting points as x,y CSV.`,
		Example: `  # 500 points from a weight file to stdout
  rsimle sample --weights ring.json --count 500

  # Latest stored version of a run into a file
  rsimle sample --run-id 2f0c... --output samples.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSample(cmd, global, opts)
		},
	}

	opts.Source.addFlags(cmd)
	cmd.Flags().IntVarP(&opts.Count, "count", "c", 1000, "Number of points")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "Latent seed (0 for random)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "-", "Output CSV (- for stdout)")

	return cmd
}

func runSample(cmd *cobra.Command, global *GlobalOptions, opts *SampleOptions) error {
	if opts.Count < 1 {
		return fmt.Errorf("--count must be positive")
	}

	cfg, logger, err := global.load(cmd)
	if err != nil {
		return err
	}

	wf, err := opts.Source.load(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	g, err := generatorFor(wf, cfg.Model)
	if err != nil {
		return err
	}

	noise, err := providers.NewGaussianProvider(g.Architecture().NoiseSize, providers.NewRand(opts.Seed))
	if err != nil {
		return err
	}
	latents, err := noise.NextBatch(opts.Count)
	if err != nil {
		return err
	}
	points, err := g.Forward(latents)
	if err != nil {
		return err
	}

	return writeTo(opts.Output, cmd.OutOrStdout(), func(w io.Writer) error {
		return providers.WritePointsCSV(w, points)
	})
}
