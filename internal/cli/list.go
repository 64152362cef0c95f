package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func newListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list <kind> [name=value...]",
		Short: "List entities with optional filter",
		Long: "List loads every entity of a kind matching all filters. Filters name a\n" +
			"field or an owning relation; relation values are target keys. The value\n" +
			"null matches NULL.\n\n" +
			"Example:\n" +
			"  ledger list House\n" +
			"  ledger list House owner=1\n" +
			"  ledger list User email=null",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseFilter(args[1:])
			if err != nil {
				return err
			}

			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			entities, err := s.unit.FindAll(cmd.Context(), args[0], filter)
			if err != nil {
				return classify("list", err)
			}
			views := viewsOf(entities)
			if flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), views)
			}
			return writeText(cmd.OutOrStdout(), views...)
		},
	}
}

func parseFilter(args []string) (map[string]any, error) {
	filter := make(map[string]any, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, userError("invalid filter %q (expected name=value)", arg)
		}
		if value == "null" {
			filter[name] = nil
			continue
		}
		filter[name] = value
	}
	return filter, nil
}
