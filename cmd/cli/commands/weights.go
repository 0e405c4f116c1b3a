package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewWeightsCmd(global *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Manage weights in the configured store",
	}

	cmd.AddCommand(newWeightsListCmd(global))
	cmd.AddCommand(newWeightsDeleteCmd(global))

	return cmd
}

func newWeightsListCmd(global *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the stored versions of a run, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			versions, err := store.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(versions) == 0 {
				fmt.Fprintf(out, "No weights stored for run %s\n", args[0])
				return nil
			}
			for _, v := range versions {
				fmt.Fprintln(out, v)
			}
			return nil
		},
	}
}

func newWeightsDeleteCmd(global *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete RUN_ID VERSION",
		Short: "Delete one stored version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.load(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}
