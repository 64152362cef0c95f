package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/pkg/types"
	"github.com/mesh-intelligence/ledger/pkg/uow"
)

func newSetCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <kind> <key|->... <json>",
		Short: "Create or update an entity",
		Long: "Set assigns the fields of a JSON object to an entity and flushes.\n" +
			"A key of - creates a new entity; generated keys are allocated on flush.\n" +
			"An existing key updates only the fields that changed. A missing entity\n" +
			"with a manual key is created. Relations take the target key.\n\n" +
			"Example:\n" +
			"  ledger set User - '{\"name\":\"Foo\"}'\n" +
			"  ledger set House - '{\"address\":\"1 Main St\",\"owner\":1}'\n" +
			"  ledger set User 1 '{\"email\":\"foo@example.com\"}'",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, key, payload := args[0], args[1:len(args)-1], args[len(args)-1]
			fields, err := decodeFields(payload)
			if err != nil {
				return err
			}

			s, err := openSession(cmd, flags)
			if err != nil {
				return err
			}
			defer s.close()

			e, err := assign(cmd, s, kind, key, fields)
			if err != nil {
				return classify("set", err)
			}
			res, err := s.unit.Flush(cmd.Context())
			if err != nil {
				return classify("set", err)
			}

			out := cmd.OutOrStdout()
			if flags.jsonMode {
				return writeJSON(out, map[string]any{
					"entity":     viewOf(e),
					"statements": res.Statements(),
				})
			}
			if err := writeText(out, viewOf(e)); err != nil {
				return err
			}
			fmt.Fprintf(out, "%d statement(s)\n", res.Statements())
			return nil
		},
	}
}

// assign creates or loads the entity and applies fields in name order.
func assign(cmd *cobra.Command, s *session, kind string, key []string, fields map[string]any) (*uow.Entity, error) {
	if len(key) == 1 && key[0] == "-" {
		return s.unit.Create(kind, fields)
	}

	e, err := s.unit.Find(cmd.Context(), kind, keyArgs(key)...)
	if errors.Is(err, types.ErrNotFound) {
		return createManual(s, kind, key, fields, err)
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Set(name, fields[name]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// createManual creates a missing entity whose key the caller supplies.
// Kinds with generated keys report notFound instead.
func createManual(s *session, kind string, key []string, fields map[string]any, notFound error) (*uow.Entity, error) {
	desc, err := s.registry.Describe(kind)
	if err != nil {
		return nil, err
	}
	if desc.KeyStrategy != types.KeyManual {
		return nil, notFound
	}
	keyFields := desc.KeyFields()
	if len(keyFields) != len(key) {
		return nil, fmt.Errorf("%w: %s takes %d key values", types.ErrMissingKey, kind, len(keyFields))
	}
	for i, f := range keyFields {
		fields[f.Name] = key[i]
	}
	return s.unit.Create(kind, fields)
}

// decodeFields parses a JSON object. Numbers stay json.Number so each field
// converter decides between integer and real.
func decodeFields(payload string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, userError("parse JSON: %w", err)
	}
	if fields == nil {
		return nil, userError("parse JSON: expected an object")
	}
	return fields, nil
}
