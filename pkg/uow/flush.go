package uow

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/ledger/internal/planner"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// FlushResult counts the statements a flush issued.
type FlushResult struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Statements returns the total number of write statements.
func (r FlushResult) Statements() int {
	return r.Inserted + r.Updated + r.Deleted
}

// Flush stages, reported with failures.
const (
	stagePrepare = "prepare"
	stagePlan    = "plan"
	stageBegin   = "begin"
	stageExecute = "execute"
	stageCommit  = "commit"
)

// work is one pending change and the row it writes: the full row for an
// insert, the changed columns for an update.
type work struct {
	entity *Entity
	row    types.Row
}

// Flush writes every pending change in one backend transaction and refreshes
// the snapshots of the written entities.
//
// Validation, planning and the storage reads needed to check delete
// constraints happen before the transaction begins; failures there leave the
// unit unchanged. ctx is honoured until then. Once writes begin the flush runs
// to completion or failure regardless of cancellation, and a failure leaves
// the unit indeterminate: every operation except Clear and Close returns
// ErrIndeterminate.
func (u *UnitOfWork) Flush(ctx context.Context) (FlushResult, error) {
	release, err := u.enter()
	if err != nil {
		return FlushResult{}, err
	}
	defer release()

	res, stage, err := u.flush(ctx)
	mctx := context.WithoutCancel(ctx)
	if err != nil {
		u.metrics.failed(mctx, stage)
		u.logger.Error().Err(err).
			Str("stage", stage).
			Bool("indeterminate", u.indeterminate).
			Msg("flush failed")
		return res, err
	}
	if res.Statements() > 0 {
		u.metrics.committed(mctx, res)
	}
	u.logger.Info().
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Msg("flush")
	return res, nil
}

func (u *UnitOfWork) flush(ctx context.Context) (FlushResult, string, error) {
	var res FlushResult
	if err := ctx.Err(); err != nil {
		return res, stagePrepare, err
	}
	pending, changes, err := u.collect(ctx)
	if err != nil {
		return res, stagePrepare, err
	}
	if len(changes) == 0 {
		return res, "", nil
	}
	plan, err := planner.Plan(changes)
	if err != nil {
		return res, stagePlan, err
	}
	if err := u.checkKeys(plan, pending); err != nil {
		return res, stagePlan, err
	}
	if err := ctx.Err(); err != nil {
		return res, stagePrepare, err
	}

	tx, err := u.backend.Begin(ctx)
	if err != nil {
		return res, stageBegin, err
	}
	wctx := context.WithoutCancel(ctx)
	res, err = u.execute(wctx, tx, plan, pending)
	if err != nil {
		u.indeterminate = true
		if rbErr := tx.Rollback(); rbErr != nil {
			u.logger.Warn().Err(rbErr).Msg("rollback after failed flush")
		}
		return res, stageExecute, err
	}
	if err := tx.Commit(); err != nil {
		u.indeterminate = true
		return res, stageCommit, err
	}
	u.settle(plan, pending)
	return res, "", nil
}

// collect builds one change per pending insert, dirty entity and pending
// delete, in creation order.
func (u *UnitOfWork) collect(ctx context.Context) (map[int]*work, []planner.Change, error) {
	pending := make(map[int]*work)
	var changes []planner.Change
	for _, e := range u.trackedInOrder() {
		c := planner.Change{ID: e.seq, Kind: e.desc.Kind, Label: e.String()}
		w := &work{entity: e}
		switch e.state {
		case StateNew:
			row, err := e.storageRow()
			if err != nil {
				return nil, nil, err
			}
			c.Action = planner.Insert
			c.Requires = u.requires(e)
			w.row = row
		case StateManaged:
			d, err := diff(e)
			if err != nil {
				return nil, nil, err
			}
			if len(d) == 0 {
				continue
			}
			c.Action = planner.Update
			c.Requires = u.requires(e)
			w.row = d
		case StateRemoved:
			deps, err := u.dependents(ctx, e)
			if err != nil {
				return nil, nil, err
			}
			c.Action = planner.Delete
			c.Dependents = deps
		default:
			continue
		}
		pending[e.seq] = w
		changes = append(changes, c)
	}
	return pending, changes, nil
}

// requires lists the pending inserts e references.
func (u *UnitOfWork) requires(e *Entity) []planner.Requirement {
	var out []planner.Requirement
	for _, rel := range e.desc.OwningRelations() {
		target := u.refTarget(e.refs[rel.Name])
		if target == nil || target == e || target.state != StateNew {
			continue
		}
		out = append(out, planner.Requirement{Target: target.seq, Relation: rel.Name, Deferred: rel.Deferred})
	}
	return out
}

func (u *UnitOfWork) refTarget(ref *Reference) *Entity {
	if ref == nil {
		return nil
	}
	if ref.entity != nil && ref.entity.unit == u && ref.entity.state != StateDetached {
		return ref.entity
	}
	if ref.key.IsZero() {
		return nil
	}
	return u.identity[identityKey(ref.kind, ref.key)]
}

// dependents lists the rows that reference e through a foreign key. Tracked
// entities are judged by their current references; stored rows are read only
// for no_action relations, where a surviving row fails the flush.
func (u *UnitOfWork) dependents(ctx context.Context, e *Entity) ([]planner.Dependent, error) {
	var deps []planner.Dependent
	for _, in := range u.registry.Incoming(e.desc.Kind) {
		rel := in.Relation
		tracked := make(map[string]bool)
		for _, d := range u.trackedInOrder() {
			if d.desc.Kind != in.Owner.Kind {
				continue
			}
			if !d.key.IsZero() {
				tracked[d.key.String()] = true
			}
			if !d.pointsAt(rel.Name, e) {
				continue
			}
			dep := planner.Dependent{
				Change:   planner.External,
				Label:    d.String(),
				Relation: in.Owner.Kind + "." + rel.Name,
				Policy:   rel.OnDelete,
				Deferred: rel.Deferred,
			}
			if d.state == StateRemoved {
				dep.Change = d.seq
			}
			deps = append(deps, dep)
		}

		if rel.OnDelete != types.DeleteNoAction || e.key.IsZero() {
			continue
		}
		rows, err := u.backend.Fetch(ctx, in.Owner, map[string]any{rel.Column: e.key[0]})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			key := rowKey(in.Owner, row)
			if tracked[key.String()] {
				continue
			}
			deps = append(deps, planner.Dependent{
				Change:   planner.External,
				Label:    in.Owner.Kind + "#" + key.String(),
				Relation: in.Owner.Kind + "." + rel.Name,
				Policy:   rel.OnDelete,
				Deferred: rel.Deferred,
			})
		}
	}
	return deps, nil
}

// checkKeys walks the plan and fails if a row would be written before the
// autoincrement key it references exists. This only happens when deferred
// foreign keys let the planner place a referencing insert first.
func (u *UnitOfWork) checkKeys(plan []planner.Change, pending map[int]*work) error {
	inserted := make(map[*Entity]bool)
	for _, c := range plan {
		w := pending[c.ID]
		if c.Action == planner.Delete {
			continue
		}
		for col, v := range w.row {
			ref, ok := v.(*Reference)
			if !ok {
				continue
			}
			if target := u.refTarget(ref); target == nil || !inserted[target] {
				return fmt.Errorf("%w: %s.%s references %s", types.ErrKeyNotAssigned, w.entity, col, ref)
			}
		}
		if c.Action == planner.Insert {
			inserted[w.entity] = true
		}
	}
	return nil
}

func (u *UnitOfWork) execute(ctx context.Context, tx types.Tx, plan []planner.Change, pending map[int]*work) (FlushResult, error) {
	var res FlushResult
	for _, c := range plan {
		w := pending[c.ID]
		e := w.entity
		u.logger.Debug().Str("action", c.Action.String()).Str("entity", e.String()).Msg("write")
		switch c.Action {
		case planner.Insert:
			row, err := materialize(w.row)
			if err != nil {
				return res, err
			}
			keyCols := e.desc.KeyColumns()
			generated := e.key.IsZero()
			if generated {
				for _, col := range keyCols {
					delete(row, col)
				}
			}
			key, err := tx.Insert(ctx, e.desc, row)
			if err != nil {
				return res, fmt.Errorf("insert %s: %w", e, err)
			}
			if generated {
				if err := u.assignGeneratedKey(e, key); err != nil {
					return res, err
				}
				for i, col := range keyCols {
					row[col] = e.key[i]
				}
			}
			w.row = row
			res.Inserted++
		case planner.Update:
			row, err := materialize(w.row)
			if err != nil {
				return res, err
			}
			if err := tx.Update(ctx, e.desc, e.key, row); err != nil {
				return res, fmt.Errorf("update %s: %w", e, err)
			}
			w.row = row
			res.Updated++
		case planner.Delete:
			if err := tx.Delete(ctx, e.desc, e.key); err != nil {
				return res, fmt.Errorf("delete %s: %w", e, err)
			}
			res.Deleted++
		}
	}
	return res, nil
}

func (u *UnitOfWork) assignGeneratedKey(e *Entity, key types.Key) error {
	if len(key) != len(e.desc.PrimaryKey) || key.IsZero() {
		return fmt.Errorf("%w: insert %s returned key %v", types.ErrKeyNotAssigned, e, key)
	}
	e.key = normalizeKey(key)
	for i, f := range e.desc.KeyFields() {
		app, err := f.Converter.ToApplication(e.key[i])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", e.desc.Kind, f.Name, err)
		}
		e.values[f.Name] = app
	}
	u.identity[identityKey(e.desc.Kind, e.key)] = e
	return nil
}

// settle refreshes snapshots after commit and mirrors the backend's delete
// policies on tracked dependents.
func (u *UnitOfWork) settle(plan []planner.Change, pending map[int]*work) {
	for _, c := range plan {
		w := pending[c.ID]
		e := w.entity
		switch c.Action {
		case planner.Insert:
			e.snapshot = w.row.Clone()
			e.state = StateManaged
		case planner.Update:
			if e.snapshot == nil {
				e.snapshot = types.Row{}
			}
			for col, v := range w.row {
				e.snapshot[col] = v
			}
		case planner.Delete:
			u.detach(e)
			u.cascade(e)
		}
	}
}

func (u *UnitOfWork) cascade(deleted *Entity) {
	for _, in := range u.registry.Incoming(deleted.desc.Kind) {
		rel := in.Relation
		for _, d := range u.trackedInOrder() {
			if d.desc.Kind != in.Owner.Kind || !d.pointsAt(rel.Name, deleted) {
				continue
			}
			switch rel.OnDelete {
			case types.DeleteCascade:
				u.detach(d)
				u.cascade(d)
			case types.DeleteSetNull:
				d.refs[rel.Name] = nil
				if d.snapshot != nil {
					d.snapshot[rel.Column] = nil
				}
			}
		}
	}
}
