package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <key>...",
		Short: "Delete an entity",
		Long: "Delete removes one entity and flushes. Dependents follow each relation's\n" +
			"on_delete policy: cascade removes them, set_null clears the reference\n" +
			"and no_action refuses the delete while any remain.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			e, err := s.unit.Find(ctx, args[0], keyArgs(args[1:])...)
			if err != nil {
				return classify("delete", err)
			}
			view := viewOf(e)
			if err := s.unit.Remove(e); err != nil {
				return classify("delete", err)
			}
			res, err := s.unit.Flush(ctx)
			if err != nil {
				return classify("delete", err)
			}

			out := cmd.OutOrStdout()
			if flags.jsonMode {
				return writeJSON(out, map[string]any{
					"deleted":    view,
					"statements": res.Statements(),
				})
			}
			fmt.Fprintf(out, "deleted %s#%s (%d statement(s))\n", view.Kind, formatKey(view.Key), res.Statements())
			return nil
		},
	}
}
