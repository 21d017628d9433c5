package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CodesIssued.Inc()
	m.CodeRedemptions.WithLabelValues("ok").Inc()
	m.HTTPRequests.WithLabelValues("GET", "/me", "200").Inc()
	m.StoreAccounts.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, name := range []string{
		"chatty_auth_codes_issued_total",
		"chatty_http_requests_total",
		"chatty_store_accounts",
	} {
		assert.True(t, names[name], name)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StoreAccounts))
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
