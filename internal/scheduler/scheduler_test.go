package scheduler

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store/sqlstore"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestScheduler(t *testing.T, store Store, cfg Config) (*Scheduler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	s := New(store, cfg, m, zerolog.Nop())
	s.now = func() time.Time { return baseTime }
	return s, m
}

func addCode(t *testing.T, st *sqlstore.SQLStore, code string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, st.CreateAuthCode(context.Background(), &models.AuthCode{
		Code:       code,
		ExternalID: 1,
		CreatedAt:  expiresAt.Add(-10 * time.Minute),
		ExpiresAt:  expiresAt,
	}))
}

func TestRefreshGauges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertAccount(ctx, &models.Account{ExternalID: 1, Username: "alice", CreatedAt: baseTime, LastSeenAt: baseTime})
	require.NoError(t, err)
	addCode(t, st, "111111", baseTime.Add(time.Minute))
	addCode(t, st, "222222", baseTime.Add(-time.Minute))

	s, m := newTestScheduler(t, st, Config{GaugesInterval: time.Minute})
	require.NoError(t, s.RefreshGauges(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreAccounts))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreConversations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreActiveCodes))
}

func TestPurgeCodes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addCode(t, st, "111111", baseTime.Add(-2*time.Hour))
	addCode(t, st, "222222", baseTime.Add(-time.Minute))
	addCode(t, st, "333333", baseTime.Add(time.Minute))

	s, m := newTestScheduler(t, st, Config{GaugesInterval: time.Minute, CodeRetention: time.Hour})
	n, err := s.PurgeCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CodesPurged))

	// Recently expired codes still report EXPIRED; purged ones are gone.
	_, err = st.RedeemAuthCode(ctx, "222222", baseTime)
	assert.Equal(t, apperr.CodeExpired, apperr.CodeOf(err))
	_, err = st.RedeemAuthCode(ctx, "111111", baseTime)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestPurgeCodesDisabled(t *testing.T) {
	st := newTestStore(t)
	addCode(t, st, "111111", baseTime.Add(-48*time.Hour))

	s, _ := newTestScheduler(t, st, Config{GaugesInterval: time.Minute})
	n, err := s.PurgeCodes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := st.Stats(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveCodes)
}

type failingStore struct{}

func (failingStore) Stats(context.Context, time.Time) (models.StoreStats, error) {
	return models.StoreStats{}, errors.New("down")
}

func (failingStore) PurgeAuthCodes(context.Context, time.Time) (int64, error) {
	return 0, errors.New("down")
}

func TestJobErrors(t *testing.T) {
	s, m := newTestScheduler(t, failingStore{}, Config{GaugesInterval: time.Minute, CodeRetention: time.Hour})
	assert.Error(t, s.RefreshGauges(context.Background()))
	_, err := s.PurgeCodes(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CodesPurged))
}

func TestRunRefreshesImmediately(t *testing.T) {
	st := newTestStore(t)
	_, err := st.UpsertAccount(context.Background(), &models.Account{ExternalID: 1, CreatedAt: baseTime, LastSeenAt: baseTime})
	require.NoError(t, err)

	s, m := newTestScheduler(t, st, Config{GaugesInterval: time.Hour, CodeRetention: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.StoreAccounts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestGocronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newGocronLogger(zerolog.New(&buf))

	l.Error("job failed", "name", "purge_auth_codes", "error", errors.New("boom"), "dangling")

	out := buf.String()
	assert.Contains(t, out, `"message":"job failed"`)
	assert.Contains(t, out, `"name":"purge_auth_codes"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.NotContains(t, out, "dangling")
}
