package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestPublishHTTP_PostsFlatEvent(t *testing.T) {
	t.Parallel()
	var got notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"accepted":1}`) //nolint:errcheck // test response
	}))
	defer srv.Close()

	body, err := json.Marshal(notification{Bucket: "uploads", Key: "cat.png", Size: 42, EventName: "ObjectCreated:Put"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, publishHTTP(t.Context(), srv.URL, body, &out))
	assert.Equal(t, "uploads", got.Bucket)
	assert.Equal(t, "cat.png", got.Key)
	assert.Equal(t, int64(42), got.Size)
	assert.Equal(t, "{\"accepted\":1}\n", out.String())
}

func TestPublishHTTP_Rejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"accepted":0,"error":"no subscriber reached"}`) //nolint:errcheck // test response
	}))
	defer srv.Close()

	err := publishHTTP(t.Context(), srv.URL, []byte(`{}`), io.Discard)
	require.ErrorContains(t, err, "503")
	require.ErrorContains(t, err, "no subscriber reached")
}

func runValidate(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.App{
		Name:   "edapipeline",
		Writer: &out,
		Commands: []*cli.Command{{
			Name:   "validate",
			Flags:  []cli.Flag{topologyFlag()},
			Action: validate,
		}},
	}
	err := app.Run(append([]string{"edapipeline", "validate"}, args...))
	return out.String(), err
}

func TestValidate_DefaultTopology(t *testing.T) {
	out, err := runValidate(t)
	require.NoError(t, err)
	assert.Contains(t, out, "topic NewImageTopic")
	assert.Contains(t, out, "queue img-created-queue")
	assert.Contains(t, out, "queue mailer-queue")
}

func TestValidate_BundledTopologyFile(t *testing.T) {
	out, err := runValidate(t, "--topology", filepath.Join("..", "..", "configs", "topology.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "dlq=queue:img-created-dlq after 3 deliveries")
	assert.Contains(t, out, "dlq=memory after 3 deliveries")
}

func TestValidate_BadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte("topic:\n  name: \"\"\nqueues: []\n"), 0o600))

	_, err := runValidate(t, "--topology", path)
	require.Error(t, err)
}
