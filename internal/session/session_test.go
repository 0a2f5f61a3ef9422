package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamdynamiq/marten/internal/hilo"
	"github.com/teamdynamiq/marten/internal/identity"
	"github.com/teamdynamiq/marten/internal/mapping"
	"github.com/teamdynamiq/marten/internal/session"
	"github.com/teamdynamiq/marten/internal/testutil"
)

type User struct {
	Id   int
	Name string
}

type Order struct {
	ID    uuid.UUID
	Total int64
}

type Country struct {
	Code string `marten:"id"`
	Name string
}

type Small struct {
	Id int32
}

type Broken struct {
	Name string
}

var (
	tokA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	tokB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

type fixture struct {
	seq       *testutil.MemorySequence
	alloc     *hilo.Allocator
	reg       *mapping.Registry
	persister *testutil.RecordingPersister
	s         *session.Session
}

func newFixture(t *testing.T, tokens ...uuid.UUID) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{seq: testutil.NewMemorySequence(), persister: testutil.NewRecordingPersister()}
	f.alloc = hilo.New(f.seq, hilo.WithDefaultBlockSize(10), hilo.WithLogger(logger))

	defaults := mapping.Defaults{Numeric: f.alloc}
	if len(tokens) > 0 {
		defaults.Token = identity.NewFixedTokens(tokens...)
	}
	f.reg = mapping.NewRegistry(defaults, mapping.WithLogger(logger))
	f.s = session.New(f.reg, f.persister, session.WithBatchSize(100), session.WithLogger(logger))
	return f
}

func TestStore_NewNumericIsInsertWithGeneratedIdentity(t *testing.T) {
	f := newFixture(t)
	u := &User{Name: "ann"}

	require.NoError(t, f.s.Store(context.Background(), u))

	assert.Equal(t, 1, u.Id)
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))
	assert.Empty(t, session.UpdatesFor[User](f.s))
}

func TestStore_ExistingNumericIsUpdateWithoutGeneration(t *testing.T) {
	f := newFixture(t)
	u := &User{Id: 42}

	require.NoError(t, f.s.Store(context.Background(), u))

	assert.Equal(t, 42, u.Id)
	assert.Equal(t, []*User{u}, session.UpdatesFor[User](f.s))
	assert.Empty(t, session.InsertsFor[User](f.s))
	assert.Equal(t, 0, f.seq.Calls("user"), "no refill for an update")
}

func TestStore_NegativeNumericCountsAsAssigned(t *testing.T) {
	f := newFixture(t)
	u := &User{Id: -5}

	require.NoError(t, f.s.Store(context.Background(), u))
	assert.Equal(t, -5, u.Id)
	assert.Len(t, session.UpdatesFor[User](f.s), 1)
}

func TestStore_BlockOfTenThenOneRefill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var users []*User
	for i := 0; i < 11; i++ {
		u := &User{}
		require.NoError(t, f.s.Store(ctx, u))
		users = append(users, u)
		if i == 9 {
			assert.Equal(t, 1, f.seq.Calls("user"))
		}
	}

	for i, u := range users {
		assert.Equal(t, i+1, u.Id)
	}
	assert.Equal(t, 2, f.seq.Calls("user"))
}

func TestStore_TokenIdentity(t *testing.T) {
	f := newFixture(t, tokA)

	fresh := &Order{}
	existing := &Order{ID: tokB}
	require.NoError(t, f.s.Store(context.Background(), fresh, existing))

	assert.Equal(t, tokA, fresh.ID)
	assert.Equal(t, []*Order{fresh}, session.InsertsFor[Order](f.s))
	assert.Equal(t, []*Order{existing}, session.UpdatesFor[Order](f.s))
}

func TestStore_AssignedIsInsertUnlessMarkedUpdate(t *testing.T) {
	f := newFixture(t)
	usa := &Country{Code: "usa"}
	can := &Country{Code: "can"}

	require.NoError(t, f.s.Store(context.Background(), usa))
	require.NoError(t, f.s.Update(can))

	assert.Equal(t, "usa", usa.Code, "assigned identity is never changed")
	assert.Equal(t, []*Country{usa}, session.InsertsFor[Country](f.s))
	assert.Equal(t, []*Country{can}, session.UpdatesFor[Country](f.s))
}

func TestStore_EmptyAssignedIsInvalid(t *testing.T) {
	f := newFixture(t)

	err := f.s.Store(context.Background(), &Country{})
	require.Error(t, err)
	assert.True(t, identity.IsInvalidIdentity(err))
	assert.False(t, f.s.HasChanges())
}

func TestStore_UnresolvableType(t *testing.T) {
	f := newFixture(t)

	err := f.s.Store(context.Background(), &Broken{})
	require.Error(t, err)
	assert.True(t, identity.IsUnresolvableIdentity(err))
	assert.False(t, f.s.HasChanges())
}

func TestStore_GenerationFailureLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &User{}
	require.NoError(t, f.s.Store(ctx, first))
	for i := 0; i < 9; i++ {
		require.NoError(t, f.s.Store(ctx, &User{}))
	}

	f.seq.FailNext(errors.New("sequence table locked"))
	u := &User{}
	err := f.s.Store(ctx, u)
	require.Error(t, err)
	assert.True(t, identity.IsGenerationUnavailable(err))
	assert.Equal(t, 0, u.Id)
	assert.Len(t, session.InsertsFor[User](f.s), 10)

	require.NoError(t, f.s.Store(ctx, u))
	assert.Equal(t, 11, u.Id)
}

func TestStore_Int32OverflowIsInvalid(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.alloc.ResetFloor(context.Background(), "small", 1<<31))

	s := &Small{}
	err := f.s.Store(context.Background(), s)
	require.Error(t, err)
	assert.True(t, identity.IsInvalidIdentity(err))
	assert.Equal(t, int32(0), s.Id)
	assert.False(t, f.s.HasChanges())
}

func TestStore_StopsAtFirstError(t *testing.T) {
	f := newFixture(t)
	ok := &User{}
	after := &User{}

	err := f.s.Store(context.Background(), ok, &Country{}, after)
	require.Error(t, err)
	assert.Equal(t, []*User{ok}, session.InsertsFor[User](f.s))
	assert.Equal(t, 0, after.Id)
}

func TestStore_RestoreKeepsSingleEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{}
	require.NoError(t, f.s.Store(ctx, u))
	id := u.Id
	u.Name = "changed"
	require.NoError(t, f.s.Store(ctx, u))

	assert.Equal(t, id, u.Id, "pending insert keeps its identity")
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))
	assert.Empty(t, session.UpdatesFor[User](f.s))
}

func TestStore_PendingUpdateResetToUnsetBecomesInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{Id: 99}
	require.NoError(t, f.s.Store(ctx, u))
	u.Id = 0
	require.NoError(t, f.s.Store(ctx, u))

	assert.Equal(t, 1, u.Id)
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))
	assert.Empty(t, session.UpdatesFor[User](f.s))
}

func TestStore_ClearedIdentityWithFailedGenerationIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{Id: 99}
	require.NoError(t, f.s.Store(ctx, u))
	require.Equal(t, []*User{u}, session.UpdatesFor[User](f.s))

	u.Id = 0
	f.seq.FailNext(errors.New("sequence offline"))
	err := f.s.Store(ctx, u)
	require.Error(t, err)
	assert.True(t, identity.IsGenerationUnavailable(err))

	assert.Empty(t, session.UpdatesFor[User](f.s))
	assert.Empty(t, session.InsertsFor[User](f.s))
	assert.False(t, f.s.HasChanges())

	// Nothing is written under key 0.
	res, err := f.s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Result{}, res)
	assert.Equal(t, 0, f.persister.Calls())

	// Storing again after the source recovers files it as an insert.
	require.NoError(t, f.s.Store(ctx, u))
	assert.Equal(t, 1, u.Id)
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))
}

func TestInsert_ExplicitWithExistingIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{Id: 500}
	require.NoError(t, f.s.Insert(ctx, u))
	assert.Equal(t, 500, u.Id)
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))

	require.NoError(t, f.s.Update(u))
	assert.Empty(t, session.InsertsFor[User](f.s))
	assert.Equal(t, []*User{u}, session.UpdatesFor[User](f.s))
}

func TestUpdate_RequiresIdentity(t *testing.T) {
	f := newFixture(t)

	err := f.s.Update(&User{})
	require.Error(t, err)
	assert.True(t, identity.IsInvalidIdentity(err))
	assert.Equal(t, 0, f.seq.Calls("user"))
}

func TestSnapshots_GroupedByTypeInFirstAppearanceOrder(t *testing.T) {
	f := newFixture(t, tokA)
	ctx := context.Background()

	u1 := &User{}
	o := &Order{}
	u2 := &User{}
	c := &Country{Code: "fra"}
	require.NoError(t, f.s.Store(ctx, u1, o, u2, c))

	assert.Equal(t, []any{u1, u2, o, c}, f.s.Inserts())
	assert.Empty(t, f.s.Updates())

	// Snapshots are fresh slices.
	snap := f.s.Inserts()
	snap[0] = nil
	assert.Same(t, u1, f.s.Inserts()[0])
}

func TestDelete_EjectsPendingAndFilesKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{Id: 7}
	require.NoError(t, f.s.Store(ctx, u))
	require.NoError(t, f.s.Delete(&User{Id: 7}))

	assert.Empty(t, session.UpdatesFor[User](f.s))
	assert.Equal(t, []session.Deletion{{DocType: "user", ID: identity.IntValue(7)}}, f.s.Deletes())

	// Deleting the same key again keeps one entry.
	require.NoError(t, session.DeleteByID[User](f.s, 7))
	assert.Len(t, f.s.Deletes(), 1)

	// Storing the instance again tracks it anew.
	require.NoError(t, f.s.Store(ctx, u))
	assert.Equal(t, []*User{u}, session.UpdatesFor[User](f.s))
}

func TestDeleteByID(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, session.DeleteByID[Country](f.s, "usa"))
	require.NoError(t, session.DeleteByID[Order](f.s, tokB))

	assert.Equal(t, []session.Deletion{
		{DocType: "country", ID: identity.StringValue("usa")},
		{DocType: "order", ID: identity.TokenValue(tokB)},
	}, f.s.Deletes())

	err := session.DeleteByID[User](f.s, "not a number")
	require.Error(t, err)
	assert.True(t, identity.IsInvalidIdentity(err))

	err = session.DeleteByID[User](f.s, 0)
	require.Error(t, err)
	assert.True(t, identity.IsInvalidIdentity(err))

	err = session.DeleteByID[Broken](f.s, 1)
	require.Error(t, err)
	assert.True(t, identity.IsUnresolvableIdentity(err))
}

func TestFlush_EmptyIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.s.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.Result{}, res)
	assert.Equal(t, 0, f.persister.Calls())
}

func TestFlush_ExecutesOnceAndClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	newUser := &User{Name: "new"}
	oldUser := &User{Id: 50}
	require.NoError(t, f.s.Store(ctx, newUser, oldUser))
	require.NoError(t, session.DeleteByID[Country](f.s, "usa"))

	res, err := f.s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Result{Inserted: 1, Updated: 1, Deleted: 1}, res)
	assert.Equal(t, 1, f.persister.Calls())
	assert.False(t, f.s.HasChanges())
	assert.Empty(t, f.s.Inserts())

	cs, ok := f.persister.Last()
	require.True(t, ok)
	assert.Equal(t, 100, cs.BatchSize)
	require.Len(t, cs.Inserts, 1)
	assert.Equal(t, session.Operation{DocType: "user", ID: identity.IntValue(1), Document: newUser}, cs.Inserts[0])
	require.Len(t, cs.Updates, 1)
	assert.Same(t, oldUser, cs.Updates[0].Document)
	require.Len(t, cs.Deletes, 1)
	assert.Nil(t, cs.Deletes[0].Document)
}

func TestFlush_FailureKeepsPendingChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &User{}
	require.NoError(t, f.s.Store(ctx, u))
	f.persister.FailNext(errors.New("constraint violation"))

	_, err := f.s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, session.IsFlushFailed(err))
	assert.Contains(t, err.Error(), "constraint violation")
	assert.Equal(t, []*User{u}, session.InsertsFor[User](f.s))

	// Retrying the flush sends the same identities.
	res, err := f.s.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	cs, _ := f.persister.Last()
	assert.Equal(t, identity.IntValue(1), cs.Inserts[0].ID)
	assert.Equal(t, 1, f.seq.Calls("user"))
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.Store(ctx, &User{}))
	f.s.Discard()
	assert.False(t, f.s.HasChanges())

	// Discarded identities are not reused.
	u := &User{}
	require.NoError(t, f.s.Store(ctx, u))
	assert.Equal(t, 2, u.Id)
}

func TestFlushError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &session.FlushError{Code: session.ErrCodeFlushFailed, Pending: 3, Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "FLUSH_FAILED: 3 pending operations kept: boom", err.Error())
	assert.False(t, session.IsFlushFailed(cause))
}

func TestStore_ConcurrentSessionsGetDistinctIdentities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	const (
		sessions = 16
		perSess  = 25
	)

	ids := make([][]int, sessions)
	errs := make([]error, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := session.New(f.reg, testutil.NewRecordingPersister(), session.WithLogger(logger))
			for j := 0; j < perSess; j++ {
				u := &User{}
				if err := s.Store(ctx, u); err != nil {
					errs[i] = err
					return
				}
				ids[i] = append(ids[i], u.Id)
			}
			if got := len(session.InsertsFor[User](s)); got != perSess {
				errs[i] = errors.New("session lost inserts")
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, sessions*perSess)
	for i := range ids {
		require.NoError(t, errs[i])
		for _, id := range ids[i] {
			assert.Positive(t, id)
			assert.False(t, seen[id], "identity %d handed out twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, sessions*perSess)
}
