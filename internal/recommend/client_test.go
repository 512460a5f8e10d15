package recommend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/playbooks/internal/playbook"
	"github.com/kingrea/playbooks/internal/playbook/catalog"
)

func TestRecommendPostsTriggersWithTenantHeader(t *testing.T) {
	def, ok := catalog.MustLoad().GetByID("voc-sprint")
	require.True(t, ok)
	triggers := catalog.Triggers(def)

	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/playbooks/recommendations/voc-sprint", r.URL.Path)
		assert.Equal(t, "7", r.Header.Get(DefaultTenantHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"recommendations":[
			{"accountId":42,"accountName":"Acme","needed":true,"urgencyLevel":"high","reasons":["NPS 4"]},
			{"accountId":43,"accountName":"Globex","needed":false,"urgencyLevel":"whenever"}
		]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/", time.Second)
	require.NoError(t, err)
	recs, err := client.Recommend(context.Background(), 7, "voc-sprint", triggers)
	require.NoError(t, err)

	assert.Equal(t, triggers, got.Triggers)
	require.Len(t, recs, 2)
	assert.Equal(t, AccountRecommendation{AccountID: 42, AccountName: "Acme", Needed: true, UrgencyLevel: UrgencyHigh, Reasons: []string{"NPS 4"}}, recs[0])
	assert.Equal(t, UrgencyLow, recs[1].UrgencyLevel)
	assert.NotNil(t, recs[1].Reasons)
}

func TestRecommendCustomTenantHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.Header.Get("X-Tenant"))
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `[]`, string(body["triggers"]))
		_, _ = w.Write([]byte(`{"recommendations":[]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, time.Second, WithTenantHeader("X-Tenant"))
	require.NoError(t, err)
	recs, err := client.Recommend(context.Background(), 9, "churn-rescue", nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecommendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/playbooks/recommendations/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/playbooks/recommendations/bad":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"kind":"validation","message":"triggers required"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	client, err := New(srv.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Recommend(ctx, 7, "missing", nil)
	assert.ErrorIs(t, err, playbook.ErrNotFound)
	_, err = client.Recommend(ctx, 7, "bad", nil)
	assert.ErrorIs(t, err, playbook.ErrValidation)
	assert.Contains(t, err.Error(), "triggers required")
	_, err = client.Recommend(ctx, 7, "down", nil)
	assert.Error(t, err)
	_, err = client.Recommend(ctx, 0, "voc-sprint", nil)
	assert.ErrorIs(t, err, playbook.ErrValidation)

	_, err = New(" ", time.Second)
	assert.Error(t, err)
}

func TestUrgencyRank(t *testing.T) {
	assert.Greater(t, UrgencyCritical.Rank(), UrgencyHigh.Rank())
	assert.Greater(t, UrgencyMedium.Rank(), UrgencyLow.Rank())
	assert.Zero(t, Urgency("soon").Rank())
}
