package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, notifyResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp notifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestRouter_Accepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, resp := post(t, NewRouter(f.bridge), s3Doc)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 2, resp.Accepted)
	require.Empty(t, resp.Error)
}

func TestRouter_BadRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, resp := post(t, NewRouter(f.bridge), `{"nothing":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, resp.Error, "malformed")
}

func TestRouter_TooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec, _ := post(t, NewRouter(f.bridge), `{"key":"`+strings.Repeat("a", MaxNotificationBytes)+`"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ServiceUnavailable(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	topic, err := broker.NewTopic(log, "t", broker.TopicConfig{MaxAttempts: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, topic.Subscribe(failingSubscriber{name: "broken"}))

	rec, resp := post(t, NewRouter(New(log, topic)), `{"bucket":"b","key":"a.png"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 1, resp.Accepted)
}

func TestRouter_PartialFailureIsAccepted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.topic.Subscribe(failingSubscriber{name: "broken"}))

	rec, resp := post(t, NewRouter(f.bridge), `{"bucket":"b","key":"a.png"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, resp.Error, "broken")
}

func TestRouter_Healthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rec := httptest.NewRecorder()
	NewRouter(f.bridge).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
