// Package classify is the client side of the remote classification service:
// it submits one export job per tile and year and reports how many jobs are
// still waiting in the service's queue.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ctessum/geom"

	"github.com/banshee-data/landcover.report/internal/httputil"
	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/retry"
)

// Request asks the service to export the land-cover mode of Geometry over
// Range as a GeoTIFF named OutputName in Folder.
type Request struct {
	TileID      string
	Geometry    geom.Polygon
	Range       landcover.TimeRange
	Folder      string
	OutputName  string
	ScaleMeters float64
}

// Service is the remote classification service.
type Service interface {
	// Submit queues an export job and returns its id. It does not wait for
	// the job to run.
	Submit(ctx context.Context, req Request) (string, error)
	// InFlight returns the number of jobs the service has queued but not started.
	InFlight(ctx context.Context) (int, error)
}

// OutputName is the artifact stem for a tile and year: "{tile}_{label}".
func OutputName(tileID string, r landcover.TimeRange) string {
	return tileID + "_" + r.Label()
}

// QueuedStates are the job states counted as in flight.
var QueuedStates = []string{"QUEUED", "READY"}

// HTTPService talks JSON to the service at BaseURL.
type HTTPService struct {
	Client  httputil.HTTPClient
	BaseURL string
}

// NewHTTPService returns a client for baseURL.
func NewHTTPService(client httputil.HTTPClient, baseURL string) *HTTPService {
	return &HTTPService{Client: client, BaseURL: strings.TrimRight(baseURL, "/")}
}

type jobRequest struct {
	Description string        `json:"description"`
	TileID      string        `json:"tile_id"`
	Start       string        `json:"start"`
	End         string        `json:"end"`
	Folder      string        `json:"folder"`
	FilePrefix  string        `json:"file_name_prefix"`
	FileFormat  string        `json:"file_format"`
	Scale       float64       `json:"scale"`
	Region      geoJSONRegion `json:"region"`
}

type geoJSONRegion struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type jobResponse struct {
	ID string `json:"id"`
}

type jobList struct {
	Count int `json:"count"`
}

func region(p geom.Polygon) geoJSONRegion {
	r := geoJSONRegion{Type: "Polygon", Coordinates: make([][][2]float64, len(p))}
	for i, ring := range p {
		coords := make([][2]float64, 0, len(ring)+1)
		for _, pt := range ring {
			coords = append(coords, [2]float64{pt.X, pt.Y})
		}
		if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
			coords = append(coords, [2]float64{ring[0].X, ring[0].Y})
		}
		r.Coordinates[i] = coords
	}
	return r
}

// Submit implements Service.
func (s *HTTPService) Submit(ctx context.Context, req Request) (string, error) {
	if len(req.Geometry) == 0 {
		return "", errors.New("request has no geometry")
	}
	body := jobRequest{
		Description: "land_cover_mode",
		TileID:      req.TileID,
		Start:       req.Range.Start.Format(landcover.DateLayout),
		End:         req.Range.End.Format(landcover.DateLayout),
		Folder:      req.Folder,
		FilePrefix:  req.OutputName,
		FileFormat:  "GeoTIFF",
		Scale:       req.ScaleMeters,
		Region:      region(req.Geometry),
	}
	var resp jobResponse
	if err := httputil.DoJSON(ctx, s.Client, http.MethodPost, s.BaseURL+"/jobs", body, &resp); err != nil {
		return "", classifyErr(err)
	}
	return resp.ID, nil
}

// InFlight implements Service.
func (s *HTTPService) InFlight(ctx context.Context) (int, error) {
	q := url.Values{"state": {strings.Join(QueuedStates, ",")}}
	var list jobList
	if err := httputil.DoJSON(ctx, s.Client, http.MethodGet, s.BaseURL+"/jobs?"+q.Encode(), nil, &list); err != nil {
		return 0, classifyErr(err)
	}
	return list.Count, nil
}

// classifyErr marks throttling, server errors and network failures transient.
// Other client errors are rejections of the request itself.
func classifyErr(err error) error {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout || se.Code >= 500 {
			return retry.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Transient(err)
	}
	return fmt.Errorf("classification service: %w", err)
}
