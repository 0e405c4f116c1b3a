package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/rsimle/internal/providers"
)

func NewShapesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shapes",
		Short: "List the built-in target shapes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range providers.Shapes() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
