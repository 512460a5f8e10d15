package httpstore_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/api"
	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/store"
	"github.com/kingrea/playbooks/internal/store/httpstore"
	"github.com/kingrea/playbooks/internal/store/storetest"
)

func newClient(t *testing.T, backing store.Store) *httpstore.Client {
	t.Helper()
	srv := httptest.NewServer(api.NewServer(api.Settings{Enabled: true}, api.WithStore(backing)).Handler())
	t.Cleanup(srv.Close)
	client, err := httpstore.New(srv.URL, time.Second)
	require.NoError(t, err)
	return client
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newClient(t, store.NewMemory())
	})
}

func TestStatusCodesWithoutBodyMapToKinds(t *testing.T) {
	codes := map[int]error{
		http.StatusNotFound:           playbook.ErrNotFound,
		http.StatusConflict:           playbook.ErrConflict,
		http.StatusBadRequest:         playbook.ErrValidation,
		http.StatusServiceUnavailable: playbook.ErrPersistence,
	}
	for code, want := range codes {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		client, err := httpstore.New(srv.URL, time.Second)
		require.NoError(t, err)
		err = client.Delete(context.Background(), 7, "exec-1")
		assert.ErrorIs(t, err, want, "status %d", code)
		srv.Close()
	}
}

func TestRequestsCarryTenantHeader(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI()+" "+r.Header.Get("X-Tenant"))
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"executions":[]}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := httpstore.New(srv.URL, time.Second, httpstore.WithTenantHeader("X-Tenant"))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = client.List(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, client.Save(ctx, storetest.Execution("a/b", 7, 1)))
	require.NoError(t, client.Delete(ctx, 7, "a/b"))

	assert.Equal(t, []string{
		"GET /playbooks/executions?customer_id=7 7",
		"POST /playbooks/executions 7",
		"DELETE /playbooks/executions/a%2Fb 7",
	}, seen)
}

func TestListDropsForeignTenantRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"executions":[
			{"id":"mine","playbookId":"voc-sprint","customerId":7,"status":"in-progress","startedAt":"2024-05-01T12:00:00Z","completedAt":null,"results":[],"context":{"customerId":7,"userId":1,"userName":"U","startedAt":"2024-05-01T12:00:00Z"}},
			{"id":"theirs","playbookId":"voc-sprint","customerId":8,"status":"in-progress","startedAt":"2024-05-01T12:00:00Z","completedAt":null,"results":[],"context":{"customerId":8,"userId":1,"userName":"U","startedAt":"2024-05-01T12:00:00Z"}}
		]}`))
	}))
	defer srv.Close()
	client, err := httpstore.New(srv.URL, time.Second)
	require.NoError(t, err)

	got, err := client.List(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mine", got[0].ID)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := httpstore.New("", time.Second)
	assert.Error(t, err)
}
