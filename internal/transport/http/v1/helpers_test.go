package v1

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/difychat/internal/adapter/provider"
	"github.com/xiaot623/difychat/internal/cache"
	"github.com/xiaot623/difychat/internal/domain"
	"github.com/xiaot623/difychat/internal/policy"
	"github.com/xiaot623/difychat/internal/repository"
	"github.com/xiaot623/difychat/internal/service"
	"github.com/xiaot623/difychat/internal/testutil"
)

var (
	owner    = domain.Principal{UserID: 1, Role: domain.PrincipalUser}
	stranger = domain.Principal{UserID: 2, Role: domain.PrincipalUser}
)

func newTestHandler(t *testing.T) (*Handler, *repository.SQLiteStore) {
	t.Helper()
	store := testutil.NewTestSQLiteStore(t)
	sessionCache, err := cache.NewStore(cache.StoreTypeMemory)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	engine, err := policy.NewDefaultEngine(context.Background())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	svc := service.New(store, sessionCache, engine, nil, provider.NewMockClient(), provider.NewMockAppManager())
	return NewHandler(svc), store
}

func newContext(e *echo.Echo, method, target, body string, p domain.Principal) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(PrincipalKey, p)
	return c, rec
}
