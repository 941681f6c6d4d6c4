package opsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":"E_POLICY_DENIED","message":"mode DEV forbids ECU writes"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.Health(context.Background())
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	require.Equal(t, "E_POLICY_DENIED", reqErr.Code)
	require.Contains(t, reqErr.Error(), "forbids ECU writes")
}

func TestRequestErrorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.State(context.Background())

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	require.Equal(t, "HTTP_500", reqErr.Code)
	require.Equal(t, "boom", reqErr.Message)
}

func TestEventsQueryEncoding(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"schema_version":"v1","events":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	resp, err := client.Events(context.Background(), EventsOptions{Limit: 10, UndeliveredOnly: true})
	require.NoError(t, err)
	require.Equal(t, "v1", resp.SchemaVersion)
	require.Equal(t, "limit=10&undelivered=1", gotQuery)
}
