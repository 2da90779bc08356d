// Package http provides the HTTP server for the backend API and the display gateway.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/difychat/internal/service"
	v1 "github.com/xiaot623/difychat/internal/transport/http/v1"
)

// RouteRegistrar mounts extra routes, such as the websocket gateway.
type RouteRegistrar interface {
	RegisterRoutes(e *echo.Echo)
}

// NewServer creates and configures the HTTP server. API routes live under
// /api behind bearer auth; /health is public.
func NewServer(svc *service.Service, auth *Authenticator, extra ...RouteRegistrar) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1Handler := v1.NewHandler(svc)
	e.GET("/health", v1Handler.Health)

	api := e.Group("/api", auth.Middleware())
	v1Handler.RegisterRoutes(api)

	for _, r := range extra {
		r.RegisterRoutes(e)
	}

	return e
}
