package service_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tncl-dev/tncl/internal/service"
)

func TestNewRepoUploader(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		ok       bool
	}{
		{"plain", "http://localhost:8080", true},
		{"trailing slash", "https://repo.example.com/", true},
		{"path", "http://localhost:8080/api", false},
		{"no scheme", "localhost:8080", false},
		{"garbage", "://", false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewRepoUploader(tc.given)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestRepoUploader(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario    string
		status      int
		contentType string
		body        string
		then        string
	}{
		{"created", http.StatusCreated, "application/json", `{"location":"/api/v1/invocations/1"}`, ""},
		{"created without location", http.StatusCreated, "application/json", `{}`, "received unexpected body"},
		{"created wrong type", http.StatusCreated, "text/plain", `ok`, "expected `application/json` content type, got: text/plain"},
		{"conflict", http.StatusConflict, "application/problem+json", `{"detail":"duplicate id"}`, "status code: 409, detail: duplicate id"},
		{"bad request wrong type", http.StatusBadRequest, "application/json", `{}`, "expected `application/problem+json` content type, got: application/json"},
		{"server error", http.StatusInternalServerError, "text/plain", `boom`, "unknown error, status: 500, body: boom"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			requests := make(chan map[string]any, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/api/v1/invocations" {
					http.NotFound(w, r)
					return
				}
				var received map[string]any
				raw, err := io.ReadAll(r.Body)
				if err == nil {
					_ = json.Unmarshal(raw, &received)
				}
				requests <- received
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			t.Cleanup(srv.Close)

			u, err := service.NewRepoUploader(srv.URL)
			require.NoError(t, err)

			err = u.Upload(t.Context(), testInvocation())
			if tc.then == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.then)
			}

			received := <-requests
			require.Equal(t, "0b9d1cd2-3c6e-4a4e-9d52-5a3f1c3b8f00", received["id"])
			require.Equal(t, "ns/echo", received["function"])
			// []byte is encoded as base64
			require.Equal(t, "aGVsbG8=", received["payload"])
			require.Equal(t, "d29ybGQ=", received["response"])
		})
	}
}
