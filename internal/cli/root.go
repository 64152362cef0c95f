// Package cli implements the ledger command-line interface: a thin shell over
// a unit of work that reads and writes entities declared in a schema file.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	schema    string
	jsonMode  bool
	debug     bool
}

// exitErr carries the process exit code for a failed command.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &exitErr{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func sysError(format string, args ...any) error {
	return &exitErr{code: exitSysError, err: fmt.Errorf(format, args...)}
}

// classify turns a core error into a user or system error. Errors caused by
// the request (unknown kinds, bad values, constraint violations) are user
// errors; everything else is a system error.
func classify(op string, err error) error {
	var ee *exitErr
	if errors.As(err, &ee) {
		return err
	}
	for _, target := range []error{
		types.ErrNotFound,
		types.ErrUnknownEntityKind,
		types.ErrUnknownField,
		types.ErrUnknownRelation,
		types.ErrConversion,
		types.ErrNotNullable,
		types.ErrMissingKey,
		types.ErrImmutableKey,
		types.ErrDuplicateKey,
		types.ErrKeyNotAssigned,
		types.ErrCyclicDependency,
		types.ErrForeignKeyViolation,
	} {
		if errors.Is(err, target) {
			return userError("%s: %w", op, err)
		}
	}
	return sysError("%s: %w", op, err)
}

// NewRootCmd creates the top-level "ledger" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "ledger",
		Short: "Read and write entities through a unit of work",
		Long: "Ledger stores entities declared in a YAML schema in SQLite or Postgres.\n" +
			"Every write goes through a unit of work that orders inserts, updates\n" +
			"and deletes so that foreign keys hold.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: $(CWD)/.ledger)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "SQLite data directory, or :memory: (default: $(CWD)/.ledger-db)")
	root.PersistentFlags().StringVar(&flags.schema, "schema", "", "schema file (default: built-in demo schema)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "log every SQL statement")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(flags))
	root.AddCommand(newGetCmd(flags))
	root.AddCommand(newListCmd(flags))
	root.AddCommand(newSetCmd(flags))
	root.AddCommand(newDeleteCmd(flags))
	root.AddCommand(newDemoCmd(flags))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	os.Exit(run(NewRootCmd(), os.Args[1:], os.Stderr))
}

func run(root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}
	fmt.Fprintln(stderr, err)
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra argument and flag errors
	return exitUserError
}
