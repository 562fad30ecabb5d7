package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astralforge/game-api/config"
)

func TestStoreEnforcesBurst(t *testing.T) {
	store := NewStore(config.RateConfig{PerSecond: 0.001, Burst: 2})
	require.True(t, store.Allow("10.0.0.1"))
	require.True(t, store.Allow("10.0.0.1"))
	require.False(t, store.Allow("10.0.0.1"))
	// Independent key gets its own bucket.
	require.True(t, store.Allow("10.0.0.2"))
}

func TestRegistryRouteOverrideBeatsDefault(t *testing.T) {
	def := config.RateConfig{PerSecond: 1000, Burst: 1000}
	reg := NewRegistry(&def)
	reg.SetRoute("POST", "/v1/players", config.RateConfig{PerSecond: 0.001, Burst: 1})

	require.True(t, reg.Allow("POST", "/v1/players", "ip"))
	require.False(t, reg.Allow("POST", "/v1/players", "ip"))
	// Other routes drain the permissive default bucket.
	require.True(t, reg.Allow("POST", "/v1/player/auth", "ip"))
}

func TestRegistryWithoutDefaultAllowsEverything(t *testing.T) {
	reg := NewRegistry(nil)
	for i := 0; i < 100; i++ {
		require.True(t, reg.Allow("GET", "/game_version", "ip"))
	}
}

func TestClientKey(t *testing.T) {
	require.Equal(t, "203.0.113.7", ClientKey("10.0.0.1:443", "203.0.113.7, 10.0.0.1"))
	require.Equal(t, "10.0.0.1", ClientKey("10.0.0.1:443", ""))
	require.Equal(t, "unparseable", ClientKey("unparseable", ""))
	require.Equal(t, "unknown", ClientKey("", ""))
}
