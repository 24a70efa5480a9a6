package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries uint64) Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      retries,
	}
}

func TestRetry_TransientErrorRetriedUpToLimit(t *testing.T) {
	// Arrange
	calls := 0
	op := func() error {
		calls++
		return errors.New("dial tcp: lookup imap.example.com: i/o timeout")
	}

	// Act
	err := fastPolicy(3).Retry(context.Background(), op, nil)

	// Assert
	require.Error(t, err)
	assert.Equal(t, 4, calls, "first attempt plus three retries")
}

func TestRetry_AuthErrorNotRetried(t *testing.T) {
	// Arrange
	calls := 0
	op := func() error {
		calls++
		return Auth("login", errors.New("NO [AUTHENTICATIONFAILED] invalid credentials"))
	}

	// Act
	err := fastPolicy(3).Retry(context.Background(), op, nil)

	// Assert
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsAuth(err))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var waits []time.Duration
	op := func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	err := fastPolicy(5).Retry(context.Background(), op, func(_ error, d time.Duration) {
		waits = append(waits, d)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, waits, 2)
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastPolicy(0).Retry(ctx, func() error { return errors.New("timeout") }, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewBackOff_BoundedMaximum(t *testing.T) {
	p := Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, Multiplier: 2.0}
	b := p.NewBackOff()

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.NextBackOff()
		assert.LessOrEqual(t, last, 40*time.Millisecond)
	}
	assert.Equal(t, 40*time.Millisecond, last)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", errors.New("boom"), KindTransient},
		{"auth", Auth("login", errors.New("bad")), KindAuth},
		{"wrapped mapping", fmt.Errorf("map: %w", Mapping("map", errors.New("no id"))), KindMapping},
		{"folder", Folder("INBOX", errors.New("NO such mailbox")), KindFolder},
		{"fatal", Fatal("sync", errors.New("exhausted")), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsAuth_NestedUnderFatal(t *testing.T) {
	err := Fatal("connect", Auth("login", errors.New("denied")))
	assert.True(t, IsAuth(err))
	assert.False(t, IsRetryable(err))
}

func TestIsRetryable_FolderErrorOnlyWhenNetwork(t *testing.T) {
	assert.False(t, IsRetryable(Folder("Archive", errors.New("NO Mailbox doesn't exist"))))
	assert.True(t, IsRetryable(Folder("Archive", errors.New("read tcp: connection reset by peer"))))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b c", Truncate("a\n  b\tc", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo wor...", Truncate("héllo world and more", 12))
	assert.Equal(t, "unbounded text", Truncate("unbounded text", 0))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a***e@e*****e.c*m", MaskEmail("alice@example.com"))
	assert.Equal(t, "not-an-address", MaskEmail("not-an-address"))
}
