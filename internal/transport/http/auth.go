package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/difychat/internal/config"
	"github.com/xiaot623/difychat/internal/domain"
	v1 "github.com/xiaot623/difychat/internal/transport/http/v1"
)

// Authenticator resolves bearer tokens to principals.
type Authenticator struct {
	principals map[string]domain.Principal
}

// NewAuthenticator builds an Authenticator from configured principals.
func NewAuthenticator(principals []config.PrincipalConfig) *Authenticator {
	a := &Authenticator{principals: make(map[string]domain.Principal, len(principals))}
	for _, p := range principals {
		role := domain.PrincipalUser
		if p.Role == string(domain.PrincipalAdmin) {
			role = domain.PrincipalAdmin
		}
		a.principals[p.Token] = domain.Principal{UserID: p.UserID, Role: role}
	}
	return a
}

// Enabled reports whether any token is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.principals) > 0
}

// Lookup returns the principal for token.
func (a *Authenticator) Lookup(token string) (domain.Principal, bool) {
	p, ok := a.principals[token]
	return p, ok
}

// Middleware authenticates `Authorization: Bearer <token>`. With no tokens
// configured every request runs as an anonymous admin.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	if !a.Enabled() {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(v1.PrincipalKey, domain.Principal{Role: domain.PrincipalAdmin})
				return next(c)
			}
		}
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:Authorization",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			p, ok := a.Lookup(key)
			if !ok {
				return false, nil
			}
			c.Set(v1.PrincipalKey, p)
			return true, nil
		},
	})
}
