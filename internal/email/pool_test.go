package email_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mail-sync/internal/email"
	"github.com/brandon/mail-sync/internal/email/emailtest"
)

func newTestPool(t *testing.T, server *emailtest.Server, maxPer int, idleTimeout time.Duration) *email.Pool {
	t.Helper()
	pool := email.NewPool(newConnector(server, 0), maxPer, idleTimeout, testLogger())
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_ReusesReleasedSession(t *testing.T) {
	// Arrange
	server := emailtest.NewServer()
	pool := newTestPool(t, server, 2, time.Minute)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, testAccount())
	require.NoError(t, err)
	id := first.ID()
	first.Release()

	// Act
	second, err := pool.Acquire(ctx, testAccount())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, id, second.ID())
	assert.Equal(t, 1, server.Dials())
	assert.Equal(t, email.PoolStats{Idle: 0, Leased: 1}, pool.Stats()["work"])
	second.Release()
	assert.Equal(t, email.PoolStats{Idle: 1, Leased: 0}, pool.Stats()["work"])
}

func TestPool_BlocksAtCapacity(t *testing.T) {
	// Arrange
	server := emailtest.NewServer()
	pool := newTestPool(t, server, 1, time.Minute)
	held, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, testAccount())

	// Assert
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan *email.Lease, 1)
	go func() {
		lease, err := pool.Acquire(context.Background(), testAccount())
		if err == nil {
			acquired <- lease
		}
	}()
	held.Release()
	select {
	case lease := <-acquired:
		assert.Equal(t, held.ID(), lease.ID())
		lease.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting acquire was not served after release")
	}
	assert.Equal(t, 1, server.Dials())
}

func TestPool_EvictsStaleSession(t *testing.T) {
	// Arrange
	server := emailtest.NewServer()
	pool := newTestPool(t, server, 1, 0)
	lease, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)
	stale := lease.ID()
	lease.Release()
	server.DropConnections()

	// Act
	fresh, err := pool.Acquire(context.Background(), testAccount())

	// Assert
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh.ID())
	assert.Equal(t, 2, server.Dials())
	fresh.Release()
}

func TestPool_DiscardClosesSession(t *testing.T) {
	server := emailtest.NewServer()
	pool := newTestPool(t, server, 1, time.Minute)
	lease, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)

	lease.Discard()
	lease.Release()

	assert.Zero(t, server.OpenSessions())
	assert.Equal(t, email.PoolStats{}, pool.Stats()["work"])
}

func TestPool_AccountsAreIndependent(t *testing.T) {
	server := emailtest.NewServer()
	pool := newTestPool(t, server, 1, time.Minute)
	other := testAccount()
	other.Name = "home"

	a, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, 2, server.OpenSessions())
	a.Release()
	b.Release()
}

func TestPool_CloseClosesLeasedSessions(t *testing.T) {
	// Arrange
	server := emailtest.NewServer()
	pool := email.NewPool(newConnector(server, 0), 2, time.Minute, testLogger())
	idle, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)
	idle.Release()
	leased, err := pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), testAccount())
	require.NoError(t, err)

	// Act
	pool.Close()

	// Assert
	assert.Zero(t, server.OpenSessions())
	leased.Release()
	_, err = pool.Acquire(context.Background(), testAccount())
	assert.ErrorIs(t, err, email.ErrPoolClosed)
}
