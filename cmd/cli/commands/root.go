package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/rsimle/internal/config"
	"github.com/inferloop/rsimle/internal/generators/rsimle"
	"github.com/inferloop/rsimle/internal/providers"
	"github.com/inferloop/rsimle/internal/storage"
	"github.com/inferloop/rsimle/pkg/interfaces"
)

// GlobalOptions are the persistent flags shared by every command
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
}

// NewRootCmd assembles the CLI
func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "rsimle",
		Short: "RS-IMLE 2-D generator training CLI",
		Long: `A command-line interface for training a small generator network with
rejection-sampling implicit maximum likelihood estimation, and for
sampling from and inspecting the weights it produces.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewTrainCmd(opts))
	rootCmd.AddCommand(NewSampleCmd(opts))
	rootCmd.AddCommand(NewInspectCmd(opts))
	rootCmd.AddCommand(NewWeightsCmd(opts))
	rootCmd.AddCommand(NewShapesCmd())

	return rootCmd
}

// load reads the configuration and builds a logger writing to stderr
func (o *GlobalOptions) load(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, nil, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	logger := config.NewLogger(cfg.Log)
	logger.SetOutput(cmd.ErrOrStderr())
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (interfaces.WeightStore, error) {
	store, err := storage.NewFactory(logger).CreateStorage(&cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// WeightSource names weights either by file or by run and version in the
// configured store.
type WeightSource struct {
	File    string
	RunID   string
	Version string
}

func (ws *WeightSource) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&ws.File, "weights", "w", "", "Weight file to read")
	cmd.Flags().StringVar(&ws.RunID, "run-id", "", "Run to read from the weight store")
	cmd.Flags().StringVar(&ws.Version, "version", "", "Stored version (default latest)")
}

func (ws *WeightSource) load(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*rsimle.WeightFile, error) {
	switch {
	case ws.File != "":
		f, err := os.Open(ws.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open weights: %w", err)
		}
		defer f.Close()
		return rsimle.DecodeWeightFile(f)

	case ws.RunID != "":
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		defer store.Close()

		data, err := store.Load(ctx, ws.RunID, ws.Version)
		if err != nil {
			return nil, err
		}
		return rsimle.DecodeWeightFile(bytes.NewReader(data))

	default:
		return nil, fmt.Errorf("one of --weights or --run-id is required")
	}
}

// generatorFor rebuilds the generator a weight file was trained as
func generatorFor(wf *rsimle.WeightFile, fallback rsimle.Architecture) (*rsimle.Generator, error) {
	arch := fallback
	if wf.Topology.Config != nil {
		arch = wf.Topology.Config.Architecture
	}

	// The initial draw is overwritten by the loaded weights
	g, err := rsimle.NewGenerator(arch, providers.NewRand(0))
	if err != nil {
		return nil, err
	}
	if err := g.LoadWeights(wf.Weights); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	return g, nil
}

func writeTo(path string, stdout io.Writer, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
