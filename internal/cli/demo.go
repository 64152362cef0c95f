package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/internal/schemafile"
	"github.com/mesh-intelligence/ledger/pkg/types"
	"github.com/mesh-intelligence/ledger/pkg/uow"
)

// demoStep records one flush of the demo run.
type demoStep struct {
	Name     string `json:"name"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
}

type demoReport struct {
	Steps  []demoStep `json:"steps"`
	Houses int        `json:"houses_through_reference"`
}

func newDemoCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the built-in scenario against an in-memory database",
		Long: "Demo creates a user with two houses, clears the unit of work, and loads\n" +
			"the houses through a bare User reference. It then inserts an author and\n" +
			"a book that reference each other and deletes the user, cascading to the\n" +
			"houses. Configuration and the data directory are not touched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logging.DefaultLevel
			if flags.debug {
				level = "info"
			}
			logger, err := logging.Setup(level, true, cmd.ErrOrStderr())
			if err != nil {
				return userError("%w", err)
			}
			s := &session{
				config: types.Config{
					Backend: types.BackendSQLite,
					DataDir: types.InMemory,
					Debug:   flags.debug,
				},
				logger:   logger,
				registry: schemafile.Demo(),
			}
			if err := s.attach(cmd.Context()); err != nil {
				return err
			}
			defer s.close()

			report, err := runDemo(cmd.Context(), s.unit)
			if err != nil {
				return classify("demo", err)
			}
			if flags.jsonMode {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return report.write(cmd.OutOrStdout())
		},
	}
}

func runDemo(ctx context.Context, unit *uow.UnitOfWork) (demoReport, error) {
	var report demoReport
	flush := func(name string) error {
		res, err := unit.Flush(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		report.Steps = append(report.Steps, demoStep{
			Name:     name,
			Inserted: res.Inserted,
			Updated:  res.Updated,
			Deleted:  res.Deleted,
		})
		return nil
	}

	user, err := unit.Create("User", map[string]any{"name": "Foo"})
	if err != nil {
		return report, err
	}
	for _, address := range []string{"1 Main St", "2 Side St"} {
		if _, err := unit.Create("House", map[string]any{"address": address, "owner": user}); err != nil {
			return report, err
		}
	}
	if err := flush("user with two houses"); err != nil {
		return report, err
	}
	id := user.Key()[0]

	if err := unit.Clear(); err != nil {
		return report, err
	}
	ref, err := unit.Reference("User", id)
	if err != nil {
		return report, err
	}
	houses, err := ref.LoadCollection(ctx, unit, "houses")
	if err != nil {
		return report, err
	}
	report.Houses = len(houses)

	author, err := unit.Create("Author", map[string]any{"name": "Ann"})
	if err != nil {
		return report, err
	}
	book, err := unit.Create("Book", map[string]any{"title": "Cycles", "author": author})
	if err != nil {
		return report, err
	}
	if err := author.SetRef("favorite", book); err != nil {
		return report, err
	}
	if err := flush("author and book referencing each other"); err != nil {
		return report, err
	}

	owner, err := ref.Resolve(ctx, unit)
	if err != nil {
		return report, err
	}
	if err := unit.Remove(owner); err != nil {
		return report, err
	}
	if err := flush("user removed with cascade"); err != nil {
		return report, err
	}
	return report, nil
}

func (r demoReport) write(w io.Writer) error {
	for i, step := range r.Steps {
		if _, err := fmt.Fprintf(w, "flush %d: %s: %d inserted, %d updated, %d deleted\n",
			i+1, step.Name, step.Inserted, step.Updated, step.Deleted); err != nil {
			return err
		}
		if i == 0 {
			if _, err := fmt.Fprintf(w, "houses loaded through reference: %d\n", r.Houses); err != nil {
				return err
			}
		}
	}
	return nil
}
