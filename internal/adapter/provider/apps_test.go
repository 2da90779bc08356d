package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/difychat/internal/domain"
)

func TestAppClientDeleteApp(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/v1/apps/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/apps/boom":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client := NewAppClient(server.URL+"/v1", "admin-key", time.Second)
	require.NoError(t, client.DeleteApp(context.Background(), "app-1"))
	require.Equal(t, "/v1/apps/app-1", gotPath)
	require.Equal(t, "Bearer admin-key", gotAuth)

	require.NoError(t, client.DeleteApp(context.Background(), "gone"))
	require.True(t, domain.IsTransport(client.DeleteApp(context.Background(), "boom")))
	require.ErrorIs(t, client.DeleteApp(context.Background(), ""), domain.ErrMissingPrerequisite)
}
