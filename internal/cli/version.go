package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the release version, overridable with
// -ldflags "-X github.com/mesh-intelligence/ledger/internal/cli.Version=...".
var Version = "0.1.0"

const modulePath = "github.com/mesh-intelligence/ledger"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ledger version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ledger v%s\nmodule: %s\n", Version, modulePath)
			return nil
		},
	}
}
