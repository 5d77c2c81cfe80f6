// Package config loads the pipeline configuration file. Every field is
// optional in JSON; the Get* accessors supply defaults for omitted values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/landcover.report/internal/landcover"
)

// DefaultConfigPath is where the CLI looks when no -config flag is given.
const DefaultConfigPath = "config/pipeline.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// DateRange is one year of interest as written in the config file.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// PipelineConfig is the root configuration for export, ingest and aggregate.
type PipelineConfig struct {
	// Area
	AreaName             *string `json:"area_name,omitempty"`
	BoundaryPath         *string `json:"boundary_path,omitempty"`
	BoundaryNameProperty *string `json:"boundary_name_property,omitempty"`

	DateRanges     []DateRange `json:"date_ranges,omitempty"`
	CellSizeMeters *float64    `json:"cell_size_meters,omitempty"`

	// Export scheduling
	BatchSize           *int    `json:"batch_size,omitempty"`
	MaxInFlight         *int    `json:"max_in_flight,omitempty"`
	PollInterval        *string `json:"poll_interval,omitempty"`     // duration string like "10s"
	TransientBackoff    *string `json:"transient_backoff,omitempty"` // duration string like "30s"
	MaxTransientRetries *int    `json:"max_transient_retries,omitempty"`
	ServiceURL          *string `json:"service_url,omitempty"`

	// Storage
	ArtifactDir *string `json:"artifact_dir,omitempty"`
	OutputDir   *string `json:"output_dir,omitempty"`
	LedgerPath  *string `json:"ledger_path,omitempty"`
	Quicklook   *bool   `json:"quicklook,omitempty"`
}

// LoadConfig reads a PipelineConfig from a JSON file. The path must have a
// .json extension and the file must be under 1MB.
func LoadConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set. Missing required values (area,
// boundary, date ranges) are reported by the command that needs them.
func (c *PipelineConfig) Validate() error {
	if c.CellSizeMeters != nil && *c.CellSizeMeters <= 0 {
		return fmt.Errorf("cell_size_meters must be positive, got %v", *c.CellSizeMeters)
	}
	if c.BatchSize != nil && *c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", *c.BatchSize)
	}
	if c.MaxInFlight != nil && *c.MaxInFlight <= 0 {
		return fmt.Errorf("max_in_flight must be positive, got %d", *c.MaxInFlight)
	}
	if c.MaxTransientRetries != nil && *c.MaxTransientRetries < 0 {
		return fmt.Errorf("max_transient_retries must be non-negative, got %d", *c.MaxTransientRetries)
	}
	for name, v := range map[string]*string{"poll_interval": c.PollInterval, "transient_backoff": c.TransientBackoff} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if len(c.DateRanges) > 0 {
		if _, err := c.TimeRanges(); err != nil {
			return err
		}
	}
	return nil
}

// TimeRanges parses and validates DateRanges.
func (c *PipelineConfig) TimeRanges() ([]landcover.TimeRange, error) {
	out := make([]landcover.TimeRange, 0, len(c.DateRanges))
	for _, dr := range c.DateRanges {
		r, err := landcover.NewTimeRange(dr.Start, dr.End)
		if err != nil {
			return nil, landcover.Fatalf("date_ranges: %v", err)
		}
		out = append(out, r)
	}
	if err := landcover.ValidateRanges(out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetAreaName returns the area name or "".
func (c *PipelineConfig) GetAreaName() string { return stringOr(c.AreaName, "") }

// GetBoundaryPath returns the boundary GeoJSON path or "".
func (c *PipelineConfig) GetBoundaryPath() string { return stringOr(c.BoundaryPath, "") }

// GetBoundaryNameProperty returns the feature property holding area names.
func (c *PipelineConfig) GetBoundaryNameProperty() string {
	return stringOr(c.BoundaryNameProperty, "name")
}

// GetCellSizeMeters returns the tile edge length in meters.
func (c *PipelineConfig) GetCellSizeMeters() float64 {
	if c.CellSizeMeters == nil {
		return 10000
	}
	return *c.CellSizeMeters
}

// GetBatchSize returns the number of tiles per submission window.
func (c *PipelineConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 10
	}
	return *c.BatchSize
}

// GetMaxInFlight returns the service queue ceiling.
func (c *PipelineConfig) GetMaxInFlight() int {
	if c.MaxInFlight == nil {
		return 3000
	}
	return *c.MaxInFlight
}

// GetPollInterval returns the wait between in-flight polls.
func (c *PipelineConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 10*time.Second)
}

// GetTransientBackoff returns the wait before retrying a transient error.
func (c *PipelineConfig) GetTransientBackoff() time.Duration {
	return durationOr(c.TransientBackoff, 30*time.Second)
}

// GetMaxTransientRetries returns the retry cap; 0 means unbounded.
func (c *PipelineConfig) GetMaxTransientRetries() int {
	if c.MaxTransientRetries == nil {
		return 0
	}
	return *c.MaxTransientRetries
}

// GetServiceURL returns the classification service base URL or "".
func (c *PipelineConfig) GetServiceURL() string { return stringOr(c.ServiceURL, "") }

// GetArtifactDir returns where per-year tile rasters land.
func (c *PipelineConfig) GetArtifactDir() string { return stringOr(c.ArtifactDir, "data/rastertifs") }

// GetOutputDir returns where dynamicity outputs are written.
func (c *PipelineConfig) GetOutputDir() string { return stringOr(c.OutputDir, "data/dynamicity") }

// GetLedgerPath returns the SQLite ledger path.
func (c *PipelineConfig) GetLedgerPath() string { return stringOr(c.LedgerPath, "landcover.db") }

// GetQuicklook reports whether PNG quicklooks are rendered.
func (c *PipelineConfig) GetQuicklook() bool {
	if c.Quicklook == nil {
		return false
	}
	return *c.Quicklook
}
