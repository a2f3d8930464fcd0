package bootmenu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		expectError bool
	}{
		{"accepted", http.StatusNoContent, false},
		{"endpoint not found is swallowed", http.StatusNotFound, false},
		{"rejected", http.StatusForbidden, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got ownerPayload
			var path string

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				assert.Equal(t, http.MethodPut, r.Method)
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			logger, _ := test.NewNullLogger()

			n, err := New(Config{URL: srv.URL + "/api", Retries: 1}, logger)
			require.NoError(t, err)

			err = n.Notify(context.Background(), "10.0.0.1", "client1")
			if tc.expectError {
				assert.ErrorIs(t, err, ErrNotify)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, "/api/blades/10.0.0.1/owner", path)
			assert.Equal(t, "client1", got.Owner)
		})
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()

	n, err := New(Config{URL: srv.URL, Retries: 2}, logger)
	require.NoError(t, err)

	n.client.RetryWaitMin = 0
	n.client.RetryWaitMax = 0

	require.NoError(t, n.Notify(context.Background(), "10.0.0.1", "client1"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewInvalidURL(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := New(Config{URL: "not a url"}, logger)
	assert.ErrorIs(t, err, ErrNotify)
}
