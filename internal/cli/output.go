package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mesh-intelligence/ledger/pkg/types"
	"github.com/mesh-intelligence/ledger/pkg/uow"
)

// entityView is the printed form of an entity: scalar fields plus the target
// key of each owning relation.
type entityView struct {
	Kind   string         `json:"kind"`
	Key    types.Key      `json:"key"`
	Fields map[string]any `json:"fields"`
}

func viewOf(e *uow.Entity) entityView {
	fields := e.Fields()
	for _, f := range e.Descriptor().Fields {
		if _, ok := fields[f.Name]; !ok {
			fields[f.Name] = nil
		}
	}
	for _, rel := range e.Descriptor().OwningRelations() {
		var target any
		if ref := e.Ref(rel.Name); ref != nil {
			if key := ref.Key(); !key.IsZero() {
				target = key[0]
			}
		}
		fields[rel.Name] = target
	}
	return entityView{Kind: e.Kind(), Key: e.Key(), Fields: fields}
}

func viewsOf(entities []*uow.Entity) []entityView {
	views := make([]entityView, len(entities))
	for i, e := range entities {
		views[i] = viewOf(e)
	}
	return views
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return sysError("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeText prints one line per entity: Kind#key followed by name=value
// pairs in name order.
func writeText(w io.Writer, views ...entityView) error {
	for _, v := range views {
		names := make([]string, 0, len(v.Fields))
		for name := range v.Fields {
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		fmt.Fprintf(&b, "%s#%s", v.Kind, formatKey(v.Key))
		for _, name := range names {
			fmt.Fprintf(&b, " %s=%s", name, formatValue(v.Fields[name]))
		}
		if _, err := fmt.Fprintln(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

func formatKey(key types.Key) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ",")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		if x == "" || strings.ContainsAny(x, " \t\"") {
			return fmt.Sprintf("%q", x)
		}
		return x
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
