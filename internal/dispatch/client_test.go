package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Dispatch(t *testing.T) {
	t.Run("posts the full dispatch envelope", func(t *testing.T) {
		var got map[string]interface{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		c := NewClient(&Config{
			EndpointURL:     srv.URL,
			CallbackBaseURL: "https://orchestrator.example/api/v1/worker",
			SharedSecret:    "hush",
		}, slog.New(slog.DiscardHandler))

		err := c.Dispatch(context.Background(), Request{
			JobID:          "j1",
			LockID:         "l1",
			IdempotencyKey: "j1:0:aa11bb22",
			InputRef:       "blob://in/raw.mp4",
			Parameters:     `{"format":"gif"}`,
		})
		require.NoError(t, err)

		assert.Equal(t, "j1", got["job_id"])
		assert.Equal(t, "l1", got["lock_id"])
		assert.Equal(t, "j1:0:aa11bb22", got["idempotency_key"])
		assert.Equal(t, "blob://in/raw.mp4", got["input_ref"])
		assert.Equal(t, "https://orchestrator.example/api/v1/worker", got["callback_base_url"])
		assert.Equal(t, "hush", got["shared_secret"])
	})

	t.Run("non-2xx is an upstream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "fleet at capacity", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient(&Config{EndpointURL: srv.URL}, slog.New(slog.DiscardHandler))

		err := c.Dispatch(context.Background(), Request{JobID: "j1"})
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("unreachable endpoint is an upstream error", func(t *testing.T) {
		c := NewClient(&Config{EndpointURL: "http://127.0.0.1:1"}, slog.New(slog.DiscardHandler))

		err := c.Dispatch(context.Background(), Request{JobID: "j1"})
		assert.ErrorIs(t, err, ErrUpstream)
	})
}
