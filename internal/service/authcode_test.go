package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty/internal/apperr"
)

// sequenceGenerator returns the given codes in order, then repeats the last.
func sequenceGenerator(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return code, nil
	}
}

func TestIssueAndRedeemScenario(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(sequenceGenerator("831204")))
	ctx := context.Background()

	code, err := env.codes.IssueCode(ctx, 42, "tg_user", "Telegram User")
	require.NoError(t, err)
	assert.Equal(t, "831204", code.Code)
	assert.False(t, code.Used)
	assert.True(t, code.ExpiresAt.Equal(baseTime.Add(10*time.Minute)))

	account, err := env.codes.RedeemCode(ctx, "831204")
	require.NoError(t, err)
	assert.Equal(t, int64(42), account.ExternalID)
	assert.Equal(t, "tg_user", account.Username)

	_, err = env.codes.RedeemCode(ctx, "831204")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)

	env.clock.Advance(time.Hour)
	_, err = env.codes.RedeemCode(ctx, "831204")
	assert.ErrorIs(t, err, apperr.ErrAlreadyUsed, "used codes stay used after expiry")
}

func TestRedeemExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.codes.IssueCode(ctx, 7, "", "")
	require.NoError(t, err)

	env.clock.Advance(10*time.Minute + time.Second)
	_, err = env.codes.RedeemCode(ctx, code.Code)
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestRedeemAtExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.codes.IssueCode(ctx, 7, "", "")
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	_, err = env.codes.RedeemCode(ctx, code.Code)
	assert.NoError(t, err)
}

func TestRedeemMalformedAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, bad := range []string{"", "12345", "1234567", "12a456"} {
		_, err := env.codes.RedeemCode(ctx, bad)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, bad)
	}

	_, err := env.codes.RedeemCode(ctx, "123456")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// Surrounding whitespace from copy-paste is tolerated.
	code, err := env.codes.IssueCode(ctx, 3, "", "")
	require.NoError(t, err)
	_, err = env.codes.RedeemCode(ctx, " "+code.Code+"\n")
	assert.NoError(t, err)
}

func TestRedeemConcurrentlyOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, err := env.codes.IssueCode(ctx, 9, "racer", "")
	require.NoError(t, err)

	const attempts = 10
	results := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.codes.RedeemCode(ctx, code.Code)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAlreadyUsed)
	}
	assert.Equal(t, 1, ok)
}

func TestIssueRegeneratesOnCollision(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(sequenceGenerator("111111", "111111", "222222")))
	ctx := context.Background()

	first, err := env.codes.IssueCode(ctx, 1, "", "")
	require.NoError(t, err)
	assert.Equal(t, "111111", first.Code)

	second, err := env.codes.IssueCode(ctx, 2, "", "")
	require.NoError(t, err)
	assert.Equal(t, "222222", second.Code)
}

func TestIssueGivesUpAfterRepeatedCollisions(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(sequenceGenerator("111111")))
	ctx := context.Background()

	_, err := env.codes.IssueCode(ctx, 1, "", "")
	require.NoError(t, err)

	_, err = env.codes.IssueCode(ctx, 2, "", "")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestIssueConcurrentSameDigitsNeverShared(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(sequenceGenerator("123456")))
	ctx := context.Background()

	const issuers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
		refused int
	)
	for i := 0; i < issuers; i++ {
		wg.Add(1)
		go func(externalID int64) {
			defer wg.Done()
			code, err := env.codes.IssueCode(ctx, externalID, "", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, code.ExternalID)
			} else if apperr.CodeOf(err) == apperr.CodeUnavailable {
				refused++
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Len(t, winners, 1, "one live code per digits")
	assert.Equal(t, issuers-1, refused)

	stats, err := env.store.Stats(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveCodes)

	account, err := env.codes.RedeemCode(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, winners[0], account.ExternalID)
}

func TestIssueReusesDigitsOfDeadCode(t *testing.T) {
	env := newTestEnv(t, WithCodeGenerator(sequenceGenerator("555555")))
	ctx := context.Background()

	_, err := env.codes.IssueCode(ctx, 1, "", "")
	require.NoError(t, err)

	env.clock.Advance(11 * time.Minute)
	again, err := env.codes.IssueCode(ctx, 2, "", "")
	require.NoError(t, err)

	account, err := env.codes.RedeemCode(ctx, again.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(2), account.ExternalID)
}

func TestRedeemRefreshesProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.login(t, 42, "old_name")

	code, err := env.codes.IssueCode(ctx, 42, "new_name", "New Name")
	require.NoError(t, err)
	second, err := env.codes.RedeemCode(ctx, code.Code)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "new_name", second.Username)
	assert.Equal(t, "New Name", second.DisplayName)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestCurrentAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.login(t, 1, "me")
	env.clock.Advance(time.Hour)

	current, err := env.codes.CurrentAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, current.LastSeenAt.Equal(env.clock.Now()))

	_, err = env.codes.CurrentAccount(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
