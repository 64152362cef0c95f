package uow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/mesh-intelligence/ledger/pkg/registry"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

func TestOpenValidatesRegistry(t *testing.T) {
	r := registry.New().MustRegister(
		registry.Entity("House").AutoIncrementKey("id").ManyToOne("owner", "User").MustBuild(),
	)
	_, err := Open(newMemBackend(), r)
	assert.ErrorIs(t, err, types.ErrUnknownEntityKind)

	_, err = Open(nil, registry.New())
	assert.Error(t, err)
}

func TestCreateAndFlushInsertsReferencedFirst(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()

	first, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	house, err := u.Create("House", map[string]any{"address": "1 Loop Rd", "owner": first})
	require.NoError(t, err)
	second, err := u.Create("User", map[string]any{"name": "Grace"})
	require.NoError(t, err)
	require.NoError(t, house.SetRef("owner", second))

	assert.Nil(t, first.Key(), "autoincrement keys are assigned on insert")
	assert.Equal(t, StateNew, house.State())

	res, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Inserted: 3}, res)
	assert.Equal(t, []string{"insert User", "insert User", "insert House"}, b.writes)

	assert.Equal(t, types.Key{int64(1)}, first.Key())
	assert.Equal(t, types.Key{int64(2)}, second.Key())
	assert.Equal(t, int64(2), second.Get("id"))
	assert.Equal(t, StateManaged, house.State())
	assert.Equal(t, int64(2), house.Snapshot()["owner_id"])

	found, err := u.Find(ctx, "User", 2)
	require.NoError(t, err)
	assert.Same(t, second, found)
	assert.Zero(t, b.gets)
}

func TestFlushAfterFlushIsEmpty(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()

	_, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	_, err = u.Flush(ctx)
	require.NoError(t, err)

	res, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Statements())
	assert.Len(t, b.writes, 1)
}

func TestIdentityMap(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	b.put(describe(t, u, "User"), types.Row{"id": int64(7), "name": "Ada", "rank": nil})

	first, err := u.Find(ctx, "User", 7)
	require.NoError(t, err)
	second, err := u.Find(ctx, "User", int64(7))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, b.gets, "the second find is served by the identity map")

	loaded, err := u.Load("User", nil, types.Row{"id": int32(7), "name": "Someone else"})
	require.NoError(t, err)
	assert.Same(t, first, loaded)
	assert.Equal(t, "Ada", loaded.Get("name"), "load never overwrites a managed instance")

	_, err = u.Find(ctx, "User", 8)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClearAllocatesFreshInstances(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})

	before, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	require.NoError(t, u.Clear())
	assert.Equal(t, StateDetached, before.State())

	after, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, 2, b.gets)
}

func TestComputeDiff(t *testing.T) {
	u, _ := openTest(t)
	user, err := u.Load("User", nil, types.Row{"id": int64(1), "name": "Ada", "rank": int64(3)})
	require.NoError(t, err)

	d, err := u.ComputeDiff(user)
	require.NoError(t, err)
	assert.Empty(t, d, "an unmodified entity has no dirty fields")

	require.NoError(t, user.Set("name", "Ada Lovelace"))
	d, err = u.ComputeDiff(user)
	require.NoError(t, err)
	assert.Equal(t, types.Row{"name": "Ada Lovelace"}, d)

	require.NoError(t, user.Set("rank", nil))
	d, err = u.ComputeDiff(user)
	require.NoError(t, err)
	assert.Equal(t, types.Row{"name": "Ada Lovelace", "rank": nil}, d)
}

func TestLoadWithoutKeyColumns(t *testing.T) {
	u, b := openTest(t)
	user, err := u.Load("User", types.Key{int64(1)}, types.Row{"name": "Ada", "rank": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.Snapshot()["id"])
	assert.Equal(t, int64(1), user.Get("id"))

	d, err := u.ComputeDiff(user)
	require.NoError(t, err)
	assert.Empty(t, d, "the key passed to load counts as persisted")

	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Statements())
	assert.Empty(t, b.writes)

	_, err = u.Load("User", types.Key{int64(2), int64(3)}, types.Row{"name": "Grace"})
	assert.ErrorIs(t, err, types.ErrMissingKey)
}

func TestEquivalentValuesDoNotUpdate(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value any
	}{
		{name: "numeric string", field: "rank", value: "5"},
		{name: "int", field: "rank", value: 5},
		{name: "int32", field: "rank", value: int32(5)},
		{name: "integral float", field: "rank", value: 5.0},
		{name: "bytes for text", field: "name", value: []byte("Ada")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, b := openTest(t)
			b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada", "rank": int64(5)})

			user, err := u.Find(context.Background(), "User", 1)
			require.NoError(t, err)
			require.NoError(t, user.Set(tt.field, tt.value))

			res, err := u.Flush(context.Background())
			require.NoError(t, err)
			assert.Zero(t, res.Updated)
			assert.Empty(t, b.writes)
		})
	}
}

func TestForeignKeyOfAnotherTypeDoesNotUpdate(t *testing.T) {
	u, b := openTest(t)
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	house, err := u.Load("House", nil, types.Row{"id": int64(10), "address": "x", "owner_id": int32(1)})
	require.NoError(t, err)

	require.NoError(t, house.SetRef("owner", "1"))
	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Statements())

	user, err := u.Find(context.Background(), "User", 1)
	require.NoError(t, err)
	require.NoError(t, house.SetRef("owner", user))
	res, err = u.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Statements())
}

func TestSingleFieldUpdate(t *testing.T) {
	u, b := openTest(t)
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada", "rank": int64(5)})

	user, err := u.Find(context.Background(), "User", 1)
	require.NoError(t, err)
	require.NoError(t, user.Set("rank", "6"))

	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Updated: 1}, res)
	assert.Equal(t, int64(6), b.tables["User"]["i:1"]["rank"])
	assert.Equal(t, int64(6), user.Snapshot()["rank"])

	d, err := u.ComputeDiff(user)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestMutualNonDeferredReferencesAreCyclic(t *testing.T) {
	u, b := openTest(t)
	hen, err := u.Create("Hen", map[string]any{"id": 1})
	require.NoError(t, err)
	egg, err := u.Create("Egg", map[string]any{"id": 1, "hen": hen})
	require.NoError(t, err)
	require.NoError(t, hen.SetRef("egg", egg))

	_, err = u.Flush(context.Background())
	require.ErrorIs(t, err, types.ErrCyclicDependency)
	assert.Contains(t, err.Error(), "Hen#i:1")
	assert.Contains(t, err.Error(), "Egg#i:1")
	assert.Empty(t, b.writes)

	// Nothing was written, so the unit stays usable.
	require.NoError(t, hen.SetRef("egg", nil))
	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, []string{"insert Hen", "insert Egg"}, b.writes)
}

func TestMutualDeferredReferencesFlush(t *testing.T) {
	u, b := openTest(t)
	left, err := u.Create("Left", nil)
	require.NoError(t, err)
	right, err := u.Create("Right", map[string]any{"left": left})
	require.NoError(t, err)
	require.NoError(t, left.SetRef("right", right))

	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Len(t, b.writes, 2)

	assert.Equal(t, right.Key()[0], left.Snapshot()["right_id"])
	assert.Equal(t, left.Key()[0], right.Snapshot()["left_id"])
}

func TestMutualDeferredAutoIncrementNeedsKeys(t *testing.T) {
	u, b := openTest(t)
	ping, err := u.Create("Ping", nil)
	require.NoError(t, err)
	pong, err := u.Create("Pong", map[string]any{"ping": ping})
	require.NoError(t, err)
	require.NoError(t, ping.SetRef("pong", pong))

	_, err = u.Flush(context.Background())
	assert.ErrorIs(t, err, types.ErrKeyNotAssigned)
	assert.Empty(t, b.writes)
}

func TestRemoveWithSurvivingNoActionDependent(t *testing.T) {
	u, b := openTest(t)
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	b.put(describe(t, u, "Car"), types.Row{"id": int64(3), "model": "T", "driver_id": int64(1)})
	ctx := context.Background()

	user, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	require.NoError(t, u.Remove(user))

	_, err = u.Flush(ctx)
	require.ErrorIs(t, err, types.ErrForeignKeyViolation)
	assert.Contains(t, err.Error(), "Car#i:3")
	assert.Empty(t, b.writes)

	// Removing the car too makes the delete legal; the car goes first.
	car, err := u.Find(ctx, "Car", 3)
	require.NoError(t, err)
	require.NoError(t, u.Remove(car))
	res, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Deleted: 2}, res)
	assert.Equal(t, []string{"delete Car", "delete User"}, b.writes)
}

func TestRemoveWithReassignedDependent(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	users := describe(t, u, "User")
	b.put(users, types.Row{"id": int64(1), "name": "Ada"})
	b.put(users, types.Row{"id": int64(2), "name": "Grace"})
	b.put(describe(t, u, "Car"), types.Row{"id": int64(3), "model": "T", "driver_id": int64(1)})

	car, err := u.Find(ctx, "Car", 3)
	require.NoError(t, err)
	require.NoError(t, car.SetRef("driver", 2))
	ada, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	require.NoError(t, u.Remove(ada))

	res, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Updated: 1, Deleted: 1}, res)
	assert.Equal(t, []string{"update Car", "delete User"}, b.writes)
}

func TestCascadeAndSetNullEffects(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	b.put(describe(t, u, "House"), types.Row{"id": int64(2), "address": "x", "owner_id": int64(1)})
	b.put(describe(t, u, "Bike"), types.Row{"id": int64(4), "rider_id": int64(1)})

	house, err := u.Find(ctx, "House", 2)
	require.NoError(t, err)
	bike, err := u.Find(ctx, "Bike", 4)
	require.NoError(t, err)
	user, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)

	require.NoError(t, u.Remove(user))
	res, err := u.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Deleted: 1}, res)

	assert.Equal(t, StateDetached, user.State())
	assert.Equal(t, StateDetached, house.State(), "cascade detaches managed dependents")
	assert.Equal(t, StateManaged, bike.State())
	assert.Nil(t, bike.Ref("rider"))
	assert.Nil(t, bike.Snapshot()["rider_id"])

	d, err := u.ComputeDiff(bike)
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestRemoveNewEntityIsForgotten(t *testing.T) {
	u, b := openTest(t)
	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, u.Remove(user))
	assert.Equal(t, StateDetached, user.State())

	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Statements())
	assert.Empty(t, b.writes)

	assert.ErrorIs(t, u.Remove(user), types.ErrNotManaged)
	assert.ErrorIs(t, user.Set("name", "x"), types.ErrNotManaged)
}

func TestFailedFlushIsIndeterminate(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	b.failOn = "update User"

	user, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	require.NoError(t, user.Set("name", "Grace"))
	_, err = u.Create("User", map[string]any{"name": "Linus"})
	require.NoError(t, err)

	_, err = u.Flush(ctx)
	var backendErr *types.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "update", backendErr.Op)

	_, err = u.Find(ctx, "User", 1)
	assert.ErrorIs(t, err, types.ErrIndeterminate)
	_, err = u.Flush(ctx)
	assert.ErrorIs(t, err, types.ErrIndeterminate)
	_, err = u.Create("User", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, types.ErrIndeterminate)

	require.NoError(t, u.Clear())
	again, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Get("name"), "the transaction was rolled back")
	assert.Len(t, b.tables["User"], 1)
}

func TestCancelledContextWritesNothing(t *testing.T) {
	u, b := openTest(t)
	_, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = u.Flush(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.writes)

	res, err := u.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
}

func TestConcurrentUseIsDetected(t *testing.T) {
	u, _ := openTest(t)
	release, err := u.enter()
	require.NoError(t, err)

	_, err = u.Create("User", map[string]any{"name": "Ada"})
	assert.ErrorIs(t, err, types.ErrConcurrentUse)
	_, err = u.Flush(context.Background())
	assert.ErrorIs(t, err, types.ErrConcurrentUse)
	assert.ErrorIs(t, u.Clear(), types.ErrConcurrentUse)

	release()
	_, err = u.Create("User", map[string]any{"name": "Ada"})
	assert.NoError(t, err)
}

func TestClose(t *testing.T) {
	u, _ := openTest(t)
	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	assert.Equal(t, StateDetached, user.State())

	_, err = u.Find(context.Background(), "User", 1)
	assert.ErrorIs(t, err, types.ErrUnitClosed)
	_, err = u.Flush(context.Background())
	assert.ErrorIs(t, err, types.ErrUnitClosed)
	assert.ErrorIs(t, u.Clear(), types.ErrUnitClosed)
}

func TestCreateValidation(t *testing.T) {
	u, _ := openTest(t)

	_, err := u.Create("Garage", nil)
	assert.ErrorIs(t, err, types.ErrUnknownEntityKind)

	_, err = u.Create("User", map[string]any{"nickname": "x"})
	assert.ErrorIs(t, err, types.ErrUnknownField)

	_, err = u.Create("User", map[string]any{"houses": nil})
	assert.ErrorIs(t, err, types.ErrUnknownField, "inverse relations are not assignable")

	_, err = u.Create("User", map[string]any{"rank": "high"})
	assert.ErrorIs(t, err, types.ErrConversion)

	_, err = u.Create("Hen", nil)
	assert.ErrorIs(t, err, types.ErrMissingKey)

	_, err = u.Create("Hen", map[string]any{"id": 1})
	require.NoError(t, err)
	_, err = u.Create("Hen", map[string]any{"id": "1"})
	assert.ErrorIs(t, err, types.ErrDuplicateKey)

	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	_, err = u.Create("House", map[string]any{"address": "x", "owner": user, "id": nil})
	require.NoError(t, err)
	_, err = u.Create("House", map[string]any{"address": "x", "owner": &Reference{kind: "Car", key: types.Key{int64(1)}}})
	assert.ErrorIs(t, err, types.ErrConversion)
}

func TestFlushRejectsMissingRequiredValues(t *testing.T) {
	u, b := openTest(t)
	_, err := u.Create("House", map[string]any{"address": "x"})
	require.NoError(t, err)

	_, err = u.Flush(context.Background())
	assert.ErrorIs(t, err, types.ErrNotNullable)
	assert.Empty(t, b.writes)
}

func TestGeneratedKeys(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	u, _ := openTest(t, WithClock(func() time.Time { return clock }))

	left, err := u.Create("Left", nil)
	require.NoError(t, err)
	id, err := uuid.Parse(left.Get("id").(string))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())

	a, err := u.Create("Note", map[string]any{"body": "a"})
	require.NoError(t, err)
	bNote, err := u.Create("Note", map[string]any{"body": "b"})
	require.NoError(t, err)
	first, err := ulid.Parse(a.Get("id").(string))
	require.NoError(t, err)
	second, err := ulid.Parse(bNote.Get("id").(string))
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(clock), first.Time())
	assert.Equal(t, -1, first.Compare(second), "ulids are monotonic within a millisecond")

	explicit, err := u.Create("Note", map[string]any{"id": "01J0000000000000000000000X", "body": "c"})
	require.NoError(t, err)
	assert.Equal(t, types.Key{"01J0000000000000000000000X"}, explicit.Key())
}

func TestKeysAreImmutable(t *testing.T) {
	u, _ := openTest(t)
	hen, err := u.Create("Hen", map[string]any{"id": 1})
	require.NoError(t, err)

	assert.NoError(t, hen.Set("id", "1"), "assigning an equal key is allowed")
	assert.ErrorIs(t, hen.Set("id", 2), types.ErrImmutableKey)

	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.ErrorIs(t, user.Set("id", 5), types.ErrImmutableKey)
}

func TestSetAndRef(t *testing.T) {
	u, _ := openTest(t)
	house, err := u.Load("House", nil, types.Row{"id": int64(1), "address": "x", "owner_id": int64(9)})
	require.NoError(t, err)

	ref := house.Ref("owner")
	require.NotNil(t, ref)
	assert.Equal(t, "User", ref.Kind())
	assert.Equal(t, types.Key{int64(9)}, ref.Key())
	assert.Nil(t, ref.Entity())
	assert.Same(t, ref, house.Get("owner"))

	assert.ErrorIs(t, house.Set("color", "red"), types.ErrUnknownField)
	assert.ErrorIs(t, house.SetRef("address", 1), types.ErrUnknownRelation)
	assert.ErrorIs(t, house.SetRef("owner", nil), types.ErrNotNullable)
	assert.ErrorIs(t, house.Set("address", nil), types.ErrNotNullable)

	require.NoError(t, house.Set("owner", 10))
	d, err := u.ComputeDiff(house)
	require.NoError(t, err)
	assert.Equal(t, types.Row{"owner_id": int64(10)}, d)
}

func TestPendingForeignKeyInDiff(t *testing.T) {
	u, b := openTest(t)
	house, err := u.Load("House", nil, types.Row{"id": int64(1), "address": "x", "owner_id": int64(9)})
	require.NoError(t, err)
	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.NoError(t, house.SetRef("owner", user))

	d, err := u.ComputeDiff(house)
	require.NoError(t, err)
	require.IsType(t, &Reference{}, d["owner_id"])

	_, err = u.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"insert User", "update House"}, b.writes)
	assert.Equal(t, user.Key()[0], house.Snapshot()["owner_id"])
}

func TestRelatedMergesPendingChanges(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	houses := describe(t, u, "House")
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	b.put(houses, types.Row{"id": int64(1), "address": "a", "owner_id": int64(1)})
	b.put(houses, types.Row{"id": int64(2), "address": "b", "owner_id": int64(1)})
	b.put(houses, types.Row{"id": int64(3), "address": "c", "owner_id": int64(1)})

	user, err := u.Find(ctx, "User", 1)
	require.NoError(t, err)
	removed, err := u.Find(ctx, "House", 2)
	require.NoError(t, err)
	require.NoError(t, u.Remove(removed))
	added, err := u.Create("House", map[string]any{"address": "d", "owner": user})
	require.NoError(t, err)

	got, err := u.Related(ctx, user, "houses")
	require.NoError(t, err)
	var addresses []string
	for _, h := range got {
		addresses = append(addresses, h.Get("address").(string))
	}
	assert.Equal(t, []string{"a", "c", "d"}, addresses)
	assert.Contains(t, got, added)

	_, err = u.Related(ctx, user, "name")
	assert.ErrorIs(t, err, types.ErrUnknownRelation)
}

func TestReferenceLoadCollectionAfterClear(t *testing.T) {
	u, _ := openTest(t)
	ctx := context.Background()

	user, err := u.Create("User", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	for _, addr := range []string{"1 Loop Rd", "2 Loop Rd"} {
		_, err := u.Create("House", map[string]any{"address": addr, "owner": user})
		require.NoError(t, err)
	}
	_, err = u.Flush(ctx)
	require.NoError(t, err)
	id := user.Get("id")
	require.NoError(t, u.Clear())

	ref, err := u.Reference("User", id)
	require.NoError(t, err)
	assert.Nil(t, ref.Entity())

	houses, err := ref.LoadCollection(ctx, u, "houses")
	require.NoError(t, err)
	assert.Len(t, houses, 2)
	assert.Nil(t, ref.Entity(), "loading the collection does not resolve the owner")

	owner, err := ref.Resolve(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "Ada", owner.Get("name"))
	viaHouse, err := houses[0].Ref("owner").Resolve(ctx, u)
	require.NoError(t, err)
	assert.Same(t, owner, viaHouse)
}

func TestResolve(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})

	ref, err := u.Reference("User", 1)
	require.NoError(t, err)
	first, err := ref.Resolve(ctx, u)
	require.NoError(t, err)
	second, err := ref.Resolve(ctx, u)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, b.gets)

	missing, err := u.Reference("User", 2)
	require.NoError(t, err)
	_, err = missing.Resolve(ctx, u)
	assert.ErrorIs(t, err, types.ErrNotFound)

	pending, err := u.Create("User", map[string]any{"name": "x"})
	require.NoError(t, err)
	got, err := (&Reference{kind: "User", entity: pending}).Resolve(ctx, u)
	require.NoError(t, err)
	assert.Same(t, pending, got)
}

func TestFindAll(t *testing.T) {
	u, b := openTest(t)
	ctx := context.Background()
	houses := describe(t, u, "House")
	b.put(describe(t, u, "User"), types.Row{"id": int64(1), "name": "Ada"})
	b.put(houses, types.Row{"id": int64(1), "address": "a", "owner_id": int64(1)})
	b.put(houses, types.Row{"id": int64(2), "address": "b", "owner_id": int64(2)})

	got, err := u.FindAll(ctx, "House", map[string]any{"owner": "1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Get("address"))

	all, err := u.FindAll(ctx, "House", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Same(t, got[0], all[0])

	_, err = u.FindAll(ctx, "House", map[string]any{"color": "red"})
	assert.ErrorIs(t, err, types.ErrUnknownField)
}

func TestManagedAndStateString(t *testing.T) {
	u, _ := openTest(t, WithMeter(noop.NewMeterProvider().Meter("test")))
	a, err := u.Create("User", map[string]any{"name": "a"})
	require.NoError(t, err)
	b, err := u.Create("User", map[string]any{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, []*Entity{a, b}, u.Managed())

	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "detached", StateDetached.String())
	assert.Equal(t, "User#new(1)", a.String())
}
