package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/deskmate/internal/model"
	"github.com/nhle/deskmate/internal/msgparse"
	"github.com/nhle/deskmate/internal/store"
	"github.com/nhle/deskmate/tests/testutil"
)

type coordFixture struct {
	coord   *Coordinator
	store   *store.SQLiteStore
	sink    *recordSink
	operate *fakeOperate

	mu        sync.Mutex
	factories int
	dialer    *fakeDialer
}

// newCoordFixture wires a coordinator whose dialers produce healthy
// in-memory connections.
func newCoordFixture(t *testing.T, dialErr error) *coordFixture {
	t.Helper()

	f := &coordFixture{
		store:   testutil.NewTestStore(t),
		sink:    &recordSink{},
		operate: &fakeOperate{},
	}

	factory := func(acc model.Account, password string, log zerolog.Logger) Dialer {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.factories++
		f.dialer = &fakeDialer{
			watchFn: func() (WatchConn, error) {
				if dialErr != nil {
					return nil, dialErr
				}
				return newFakeWatch(1, true), nil
			},
			operateFn: func() (OperateConn, error) { return f.operate, nil },
		}
		return f.dialer
	}

	parser := msgparse.New(nopBlob{}, zerolog.Nop())
	creds := CredentialFunc(func(key string) (string, error) { return "secret", nil })
	f.coord = NewCoordinator(f.store, parser, f.sink, creds, testCfg, zerolog.Nop(), factory)

	acc := model.Account{
		ID:       "acc-1",
		Email:    "alice@example.com",
		Provider: "gmail",
		Username: "alice@example.com",
	}
	require.NoError(t, f.store.UpsertAccount(context.Background(), acc))
	t.Cleanup(f.coord.StopAll)
	return f
}

func (f *coordFixture) factoryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.factories
}

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	require.NoError(t, f.coord.Start(ctx, "acc-1"))

	assert.Equal(t, 1, f.factoryCalls(), "second start must reuse the running session")
	assert.True(t, f.coord.IsListening("acc-1"))
}

func TestCoordinatorStartUnknownAccount(t *testing.T) {
	f := newCoordFixture(t, nil)

	err := f.coord.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.False(t, f.coord.IsListening("missing"))
}

func TestCoordinatorStopIsIdempotent(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	f.coord.Stop("acc-1")
	f.coord.Stop("acc-1")

	assert.False(t, f.coord.IsListening("acc-1"))

	// A stopped account can be started again with a fresh session.
	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	assert.Equal(t, 2, f.factoryCalls())
	assert.True(t, f.coord.IsListening("acc-1"))
}

func TestCoordinatorReplacesTerminalSession(t *testing.T) {
	f := newCoordFixture(t, &AuthError{Message: "bad credentials"})
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, "acc-1"))

	assert.Eventually(t, func() bool {
		return !f.coord.IsListening("acc-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusError, f.coord.StatusSnapshot()["acc-1"])

	// The errored supervisor stays visible until the next start replaces
	// it.
	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	assert.Equal(t, 2, f.factoryCalls())
}

func TestCoordinatorMarkRead(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.InsertMessage(ctx, storedMessage("acc-1", 5))
	require.NoError(t, err)

	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	assert.Eventually(t, func() bool {
		return f.coord.StatusSnapshot()["acc-1"] == model.StatusListening
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.coord.MarkRead(ctx, "acc-1", 5))

	unread, err := f.store.ListMessages(ctx, "acc-1", store.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Equal(t, []uint32{5}, f.operate.seenUIDs())
}

func TestCoordinatorMarkReadWithoutSession(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	_, err := f.store.InsertMessage(ctx, storedMessage("acc-1", 5))
	require.NoError(t, err)

	// No session running: the local flag still flips.
	require.NoError(t, f.coord.MarkRead(ctx, "acc-1", 5))

	unread, err := f.store.ListMessages(ctx, "acc-1", store.MessageFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Empty(t, f.operate.seenUIDs())
}

func TestCoordinatorStopAll(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	second := model.Account{
		ID:       "acc-2",
		Email:    "carol@example.com",
		Provider: "qq",
		Username: "carol",
	}
	require.NoError(t, f.store.UpsertAccount(ctx, second))

	require.NoError(t, f.coord.Start(ctx, "acc-1"))
	require.NoError(t, f.coord.Start(ctx, "acc-2"))

	f.coord.StopAll()

	assert.False(t, f.coord.IsListening("acc-1"))
	assert.False(t, f.coord.IsListening("acc-2"))
	assert.Empty(t, f.coord.StatusSnapshot())
}
