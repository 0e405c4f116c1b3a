package commands

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type InspectOptions struct {
	Source WeightSource
	Format string
}

// TensorInfo summarises one stored tensor
type TensorInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Size  int    `json:"size"`
}

func NewInspectCmd(global *GlobalOptions) *cobra.Command {
	opts := &InspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the topology and tensors of a weight file",
		Example: `  rsimle inspect --weights ring.json
  rsimle inspect --run-id 2f0c... --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, global, opts)
		},
	}

	opts.Source.addFlags(cmd)
	cmd.Flags().StringVar(&opts.Format, "format", "text", "Output format (text, json)")

	return cmd
}

func runInspect(cmd *cobra.Command, global *GlobalOptions, opts *InspectOptions) error {
	cfg, logger, err := global.load(cmd)
	if err != nil {
		return err
	}

	wf, err := opts.Source.load(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(wf.Weights))
	for name := range wf.Weights {
		names = append(names, name)
	}
	// g-10 sorts after g-9
	slices.SortFunc(names, func(a, b string) int {
		if len(a) != len(b) {
			return cmp.Compare(len(a), len(b))
		}
		return strings.Compare(a, b)
	})

	tensors := make([]TensorInfo, 0, len(names))
	total := 0
	for _, name := range names {
		t := wf.Weights[name]
		tensors = append(tensors, TensorInfo{Name: name, Shape: t.Shape, Size: len(t.Data)})
		total += len(t.Data)
	}

	out := cmd.OutOrStdout()

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"topology":   wf.Topology,
			"tensors":    tensors,
			"parameters": total,
		})
	}

	fmt.Fprintf(out, "Shape: %s\n", wf.Topology.ShapeName)
	fmt.Fprintf(out, "Iterations: %d\n", wf.Topology.IterCount)
	if c := wf.Topology.Config; c != nil {
		fmt.Fprintf(out, "Architecture: noise %d, %d hidden layers x %d neurons, %s, %s, %s init\n",
			c.NoiseSize, c.NumGeneratorLayers, c.NumGeneratorNeurons, c.Activation, c.Output, c.Init)
		fmt.Fprintf(out, "Training: batch %d x %d, %s, %s lr %g, %d k-steps, noise %g\n",
			c.BatchSize, c.SampleFactor, c.Distance(), c.Optimizer(), c.LearningRate, c.KGSteps, c.NoiseCoefficient)
	}
	fmt.Fprintf(out, "Parameters: %d\n\n", total)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tSHAPE\tSIZE")
	for _, t := range tensors {
		fmt.Fprintf(tw, "%s\t%v\t%d\n", t.Name, t.Shape, t.Size)
	}
	return tw.Flush()
}
