package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ledger storage",
		Long: "Create the configuration directory and config.yaml if missing, attach the\n" +
			"configured backend and create tables for every kind in the schema.\n" +
			"Running init again is harmless.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			schema := s.schema
			if schema == "" {
				schema = "built-in"
			}
			out := cmd.OutOrStdout()
			if flags.jsonMode {
				return writeJSON(out, map[string]any{
					"config_dir": s.configDir,
					"backend":    s.config.Backend,
					"data_dir":   s.config.DataDir,
					"schema":     schema,
					"kinds":      s.registry.Kinds(),
				})
			}
			fmt.Fprintln(out, "Ledger initialized")
			fmt.Fprintf(out, "  config:  %s\n", s.configDir)
			fmt.Fprintf(out, "  backend: %s\n", s.config.Backend)
			if s.config.Backend == types.BackendSQLite {
				fmt.Fprintf(out, "  data:    %s\n", s.config.DataDir)
			}
			fmt.Fprintf(out, "  schema:  %s\n", schema)
			fmt.Fprintf(out, "  kinds:   %s\n", strings.Join(s.registry.Kinds(), ", "))
			return nil
		},
	}
}
