package remote

import (
	"context"

	"github.com/ilyaizen/habistat/internal/auth"
	pkgauth "github.com/ilyaizen/habistat/pkg/auth"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
)

// InProcess serves the Store interface straight from a Server, verifying the
// bearer token the same way the HTTP middleware does. The CLI uses it for
// single-host setups where the client can open the account database itself.
type InProcess struct {
	server *Server
	jwt    config.JWTConfig
}

func NewInProcess(server *Server, jwt config.JWTConfig) *InProcess {
	return &InProcess{server: server, jwt: jwt}
}

func (p *InProcess) Query(ctx context.Context, cred *auth.Credential, kind models.Kind, filter Filter) (Page, error) {
	owner, err := p.authorize(cred)
	if err != nil {
		return Page{}, err
	}
	return p.server.Query(ctx, owner, kind, filter)
}

func (p *InProcess) Mutate(ctx context.Context, cred *auth.Credential, kind models.Kind, rec Record) (MutateResult, error) {
	owner, err := p.authorize(cred)
	if err != nil {
		return MutateResult{}, err
	}
	return p.server.Mutate(ctx, owner, kind, rec)
}

func (p *InProcess) authorize(cred *auth.Credential) (string, error) {
	if cred == nil || cred.Token == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credential")
	}
	claims, err := pkgauth.ParseAccessToken(p.jwt, cred.Token)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid credential")
	}
	return claims.UserID, nil
}
