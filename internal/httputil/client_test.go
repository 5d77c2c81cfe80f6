package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)
	assert.Same(t, customClient, client.Client)

	assert.Same(t, http.DefaultClient, NewStandardClient(nil).Client)
}

func TestDoJSON_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := DoJSON(context.Background(), NewStandardClient(srv.Client()), http.MethodPost, srv.URL, map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "job-1", out.ID)
}

func TestDoJSON_StatusError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusTooManyRequests, "slow down\n")

	err := DoJSON(context.Background(), mock, http.MethodGet, "http://svc/jobs", nil, nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "slow down", se.Body)
}

func TestDoJSON_TransportError(t *testing.T) {
	mock := NewMockHTTPClient()
	boom := errors.New("connection refused")
	mock.AddErrorResponse(boom)

	err := DoJSON(context.Background(), mock, http.MethodGet, "http://svc/jobs", nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestMockHTTPClient_RecordsBodies(t *testing.T) {
	mock := NewMockHTTPClient()

	err := DoJSON(context.Background(), mock, http.MethodPost, "http://svc/jobs", map[string]int{"n": 1}, nil)
	require.NoError(t, err)

	req, body := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.JSONEq(t, `{"n":1}`, string(body))
	assert.Equal(t, 1, mock.RequestCount())

	req, body = mock.GetRequest(5)
	assert.Nil(t, req)
	assert.Nil(t, body)
}

func TestDoJSON_DecodeError(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "not json")

	var out map[string]string
	err := DoJSON(context.Background(), mock, http.MethodGet, "http://svc/jobs", nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
