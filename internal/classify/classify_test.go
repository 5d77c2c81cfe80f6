package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/landcover.report/internal/httputil"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/retry"
)

func testRequest(t *testing.T) Request {
	t.Helper()
	r, err := landcover.NewTimeRange("2016-01-01", "2017-01-01")
	require.NoError(t, err)
	return Request{
		TileID: "0_3_4-a",
		Geometry: geom.Polygon{{
			{X: 9, Y: 56}, {X: 9.1, Y: 56}, {X: 9.1, Y: 56.1}, {X: 9, Y: 56.1},
		}},
		Range:       r,
		Folder:      "DenmarkDynamicWorld",
		OutputName:  OutputName("0_3_4-a", r),
		ScaleMeters: 10,
	}
}

func TestOutputName(t *testing.T) {
	r, err := landcover.NewTimeRange("2019-01-01", "2020-01-01")
	require.NoError(t, err)
	assert.Equal(t, "1_2_3_2019", OutputName("1_2_3", r))
}

func TestHTTPService_Submit(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusCreated, `{"id":"job-42"}`)
	svc := NewHTTPService(mock, "http://classifier/api/")

	id, err := svc.Submit(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "job-42", id)

	req, body := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://classifier/api/jobs", req.URL.String())

	var sent jobRequest
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "0_3_4-a", sent.TileID)
	assert.Equal(t, "2016-01-01", sent.Start)
	assert.Equal(t, "2017-01-01", sent.End)
	assert.Equal(t, "0_3_4-a_2016", sent.FilePrefix)
	assert.Equal(t, "GeoTIFF", sent.FileFormat)
	assert.Equal(t, 10.0, sent.Scale)
	require.Len(t, sent.Region.Coordinates, 1)
	ring := sent.Region.Coordinates[0]
	assert.Len(t, ring, 5, "ring is closed")
	assert.Equal(t, ring[0], ring[4])
}

func TestHTTPService_SubmitErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		transportErr  error
		wantTransient bool
	}{
		{"throttled", http.StatusTooManyRequests, nil, true},
		{"server error", http.StatusBadGateway, nil, true},
		{"bad request", http.StatusBadRequest, nil, false},
		{"forbidden", http.StatusForbidden, nil, false},
		{"network", 0, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"other", 0, errors.New("weird"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := httputil.NewMockHTTPClient()
			if tt.transportErr != nil {
				mock.AddErrorResponse(tt.transportErr)
			} else {
				mock.AddResponse(tt.status, "nope")
			}
			svc := NewHTTPService(mock, "http://classifier")

			_, err := svc.Submit(context.Background(), testRequest(t))
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, retry.IsTransient(err))
		})
	}
}

func TestHTTPService_SubmitRequiresGeometry(t *testing.T) {
	svc := NewHTTPService(httputil.NewMockHTTPClient(), "http://classifier")
	req := testRequest(t)
	req.Geometry = nil
	_, err := svc.Submit(context.Background(), req)
	assert.Error(t, err)
}

func TestHTTPService_InFlight(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, `{"count":3001}`)
	mock.AddResponse(http.StatusServiceUnavailable, "")
	svc := NewHTTPService(mock, "http://classifier")

	n, err := svc.InFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3001, n)

	req, _ := mock.GetRequest(0)
	assert.Equal(t, "QUEUED,READY", req.URL.Query().Get("state"))

	_, err = svc.InFlight(context.Background())
	assert.True(t, retry.IsTransient(err))
}
