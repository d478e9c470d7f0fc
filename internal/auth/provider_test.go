package auth

import (
	"context"
	"testing"
	"time"

	"github.com/ilyaizen/habistat/pkg/auth"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtCfg = config.JWTConfig{Secret: "s3cret", Issuer: "habistat", ExpirationMinutes: 60}

func TestStaticProviderEmptyTokenIsOffline(t *testing.T) {
	p := NewStaticProvider("")
	assert.False(t, p.IsReady())

	cred, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestStaticProviderGarbageTokenIsOffline(t *testing.T) {
	assert.False(t, NewStaticProvider("definitely.not.jwt").IsReady())
}

func TestStaticProviderServesValidToken(t *testing.T) {
	now := time.Now()
	token, err := auth.MintAccessToken(jwtCfg, now, auth.AccessTokenPayload{UserID: "u1"})
	require.NoError(t, err)

	p := NewStaticProvider(token).WithClock(func() time.Time { return now })
	require.True(t, p.IsReady())

	cred, err := p.GetToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "u1", cred.UserID)
	assert.Equal(t, token, cred.Token)
}

func TestStaticProviderExpiredTokenIsOffline(t *testing.T) {
	now := time.Now()
	token, err := auth.MintAccessToken(jwtCfg, now, auth.AccessTokenPayload{UserID: "u1"})
	require.NoError(t, err)

	p := NewStaticProvider(token).WithClock(func() time.Time { return now.Add(2 * time.Hour) })
	assert.False(t, p.IsReady())
}

func TestMintingProviderCachesUntilExpiry(t *testing.T) {
	now := time.Now()
	p := NewMintingProvider(jwtCfg, "u7")
	p.now = func() time.Time { return now }

	first, err := p.GetToken(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)

	claims, err := auth.ParseAccessToken(jwtCfg, first.Token)
	require.NoError(t, err)
	assert.Equal(t, "u7", claims.UserID)
}

func TestFromConfigSelection(t *testing.T) {
	cfg := &config.Config{JWT: jwtCfg}
	assert.IsType(t, &MintingProvider{}, FromConfig(cfg, "dev-user"))
	assert.False(t, FromConfig(cfg, "").IsReady())

	cfg.Sync.Token = "abc"
	assert.IsType(t, &StaticProvider{}, FromConfig(cfg, "dev-user"))
}
