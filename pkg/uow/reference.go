package uow

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Reference points at an entity by (kind, key). It may be unresolved, holding
// only the key, or resolved, holding the managed instance too. Resolution is
// explicit and may read storage.
//
// A reference to a new autoincrement entity holds the entity and acquires
// its key when that entity is inserted.
type Reference struct {
	kind   string
	key    types.Key
	entity *Entity
}

// Kind returns the target entity kind.
func (r *Reference) Kind() string { return r.kind }

// Key returns the target key, or nil if the target has not been assigned one.
func (r *Reference) Key() types.Key {
	if r.entity != nil && !r.entity.key.IsZero() {
		return r.entity.Key()
	}
	if r.key == nil {
		return nil
	}
	return append(types.Key(nil), r.key...)
}

// Entity returns the resolved instance, or nil.
func (r *Reference) Entity() *Entity {
	if r.entity == nil || r.entity.state == StateDetached {
		return nil
	}
	return r.entity
}

func (r *Reference) String() string {
	if key := r.Key(); !key.IsZero() {
		return r.kind + "#" + key.String()
	}
	if r.entity != nil {
		return r.entity.String()
	}
	return r.kind + "#?"
}

// Resolve returns the managed instance the reference points at, loading it
// through u if needed. Returns ErrNotFound if no such row exists.
func (r *Reference) Resolve(ctx context.Context, u *UnitOfWork) (*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if r.entity != nil && r.entity.unit == u && r.entity.state != StateDetached {
		return r.entity, nil
	}
	key := r.Key()
	if key.IsZero() {
		return nil, fmt.Errorf("%w: %s", types.ErrKeyNotAssigned, r)
	}
	desc, err := u.registry.Describe(r.kind)
	if err != nil {
		return nil, err
	}
	e, err := u.find(ctx, desc, key)
	if err != nil {
		return nil, err
	}
	r.entity = e
	return e, nil
}

// LoadCollection loads the one_to_many relation of the referenced entity
// without resolving the entity itself. Pending changes in u are taken into
// account: new entities pointing at the owner are included and removed ones
// are not.
func (r *Reference) LoadCollection(ctx context.Context, u *UnitOfWork, relation string) ([]*Entity, error) {
	release, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer release()

	desc, err := u.registry.Describe(r.kind)
	if err != nil {
		return nil, err
	}
	owner := r.Entity()
	if owner != nil && owner.unit != u {
		owner = nil
	}
	if owner == nil {
		owner = u.lookup(desc, r.Key())
	}
	return u.collection(ctx, desc, r.Key(), owner, relation)
}
