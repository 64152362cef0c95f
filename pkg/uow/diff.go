package uow

import (
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// ComputeDiff returns the storage columns of e whose current value differs
// from the snapshot, with their new storage values. Values are compared with
// types.StorageEqual, so application values that convert to the stored
// representation are unchanged whatever their Go type.
//
// A foreign key whose target has not been inserted yet is reported with the
// target's *Reference as its value. New entities report the full row they
// will insert; removed entities report nothing.
func (u *UnitOfWork) ComputeDiff(e *Entity) (types.Row, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if e == nil || e.unit != u || e.state == StateDetached {
		return nil, fmt.Errorf("%w: %v", types.ErrNotManaged, e)
	}
	switch e.state {
	case StateNew:
		return e.storageRow()
	case StateRemoved:
		return types.Row{}, nil
	}
	return diff(e)
}

func diff(e *Entity) (types.Row, error) {
	current, err := e.storageRow()
	if err != nil {
		return nil, err
	}
	changed := types.Row{}
	for col, v := range current {
		if _, pending := v.(*Reference); pending {
			changed[col] = v
			continue
		}
		if old, ok := e.snapshot[col]; ok && types.StorageEqual(old, v) {
			continue
		}
		changed[col] = v
	}
	return changed, nil
}

// materialize replaces pending foreign keys with the keys their targets
// received on insert.
func materialize(row types.Row) (types.Row, error) {
	out := make(types.Row, len(row))
	for col, v := range row {
		ref, pending := v.(*Reference)
		if !pending {
			out[col] = v
			continue
		}
		key := ref.Key()
		if key.IsZero() {
			return nil, fmt.Errorf("%w: %s", types.ErrKeyNotAssigned, ref)
		}
		out[col] = key[0]
	}
	return out, nil
}
