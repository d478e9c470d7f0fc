// Package auth supplies the sync client with bearer credentials.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ilyaizen/habistat/pkg/auth"
	"github.com/ilyaizen/habistat/pkg/config"
)

// Credential is a bearer token together with the account it speaks for.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// TokenProvider hands out credentials. A nil credential from GetToken means
// "offline" and is never an error.
type TokenProvider interface {
	IsReady() bool
	GetToken(ctx context.Context) (*Credential, error)
}

// expirySkew keeps a token that is about to lapse from being sent.
const expirySkew = 30 * time.Second

// StaticProvider serves a token configured out of band, typically pasted from
// the identity provider into HABISTAT_SYNC_TOKEN.
type StaticProvider struct {
	cred *Credential
	now  func() time.Time
}

func NewStaticProvider(token string) *StaticProvider {
	p := &StaticProvider{now: time.Now}
	token = strings.TrimSpace(token)
	if token == "" {
		return p
	}
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return p
	}
	cred := &Credential{Token: token, UserID: claims.UserID}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	p.cred = cred
	return p
}

// WithClock swaps the time source; tests pin it.
func (p *StaticProvider) WithClock(now func() time.Time) *StaticProvider {
	return &StaticProvider{cred: p.cred, now: now}
}

func (p *StaticProvider) IsReady() bool {
	return usable(p.cred, p.now())
}

func (p *StaticProvider) GetToken(context.Context) (*Credential, error) {
	if !p.IsReady() {
		return nil, nil
	}
	cred := *p.cred
	return &cred, nil
}

// MintingProvider signs its own tokens with the server secret. It backs local
// development and tests where client and server share a config.
type MintingProvider struct {
	cfg    config.JWTConfig
	userID string
	now    func() time.Time

	mu     sync.Mutex
	cached *Credential
}

func NewMintingProvider(cfg config.JWTConfig, userID string) *MintingProvider {
	return &MintingProvider{cfg: cfg, userID: strings.TrimSpace(userID), now: time.Now}
}

func (p *MintingProvider) IsReady() bool {
	return p.cfg.Secret != "" && p.userID != ""
}

func (p *MintingProvider) GetToken(context.Context) (*Credential, error) {
	if !p.IsReady() {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if usable(p.cached, now) {
		cred := *p.cached
		return &cred, nil
	}
	token, err := auth.MintAccessToken(p.cfg, now, auth.AccessTokenPayload{UserID: p.userID})
	if err != nil {
		return nil, err
	}
	p.cached = &Credential{Token: token, UserID: p.userID, ExpiresAt: now.Add(p.cfg.Expiration())}
	cred := *p.cached
	return &cred, nil
}

// FromConfig picks the provider for a client process: a configured token wins,
// otherwise a dev user with a shared secret, otherwise nothing (offline).
func FromConfig(cfg *config.Config, devUserID string) TokenProvider {
	if strings.TrimSpace(cfg.Sync.Token) != "" {
		return NewStaticProvider(cfg.Sync.Token)
	}
	if devUserID != "" && cfg.JWT.Secret != "" {
		return NewMintingProvider(cfg.JWT, devUserID)
	}
	return NewStaticProvider("")
}

func usable(cred *Credential, now time.Time) bool {
	if cred == nil || cred.Token == "" || cred.UserID == "" {
		return false
	}
	if cred.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(expirySkew).Before(cred.ExpiresAt)
}
