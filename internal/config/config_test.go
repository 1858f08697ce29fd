package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyReferences_OnInTestingMode(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.VerifyReferences())

	cfg.Mode = ModeTesting
	require.True(t, cfg.VerifyReferences())
}

func TestVerifyReferences_ExplicitFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreVerifyReferences = true
	require.True(t, cfg.VerifyReferences())

	var nilCfg *Config
	require.False(t, nilCfg.VerifyReferences())
}

func TestContextRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	ctx := WithContext(context.Background(), &cfg)
	require.Same(t, &cfg, FromContext(ctx))
	require.Nil(t, FromContext(context.Background()))
}
