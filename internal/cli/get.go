package cli

import (
	"github.com/spf13/cobra"
)

func newGetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <key>...",
		Short: "Get an entity by key",
		Long: "Get loads one entity by primary key. Composite keys take one argument\n" +
			"per key field, in declaration order.\n\n" +
			"Example:\n" +
			"  ledger get User 1\n" +
			"  ledger get Book 0b6f6c1e-2a6e-4d55-9a39-3f3c4b9fd2a1",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := s.unit.Find(cmd.Context(), args[0], keyArgs(args[1:])...)
			if err != nil {
				return classify("get", err)
			}
			if flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), viewOf(e))
			}
			return writeText(cmd.OutOrStdout(), viewOf(e))
		},
	}
}

func keyArgs(args []string) []any {
	key := make([]any, len(args))
	for i, a := range args {
		key[i] = a
	}
	return key
}
