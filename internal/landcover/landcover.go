// Package landcover defines the shared vocabulary of the change pipeline:
// the yearly time ranges, the category legend and the error classes that
// abort a run.
package landcover

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrFatalConfiguration aborts a run before any submission begins.
var ErrFatalConfiguration = errors.New("fatal configuration error")

// Fatalf wraps a formatted message with ErrFatalConfiguration.
func Fatalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFatalConfiguration, fmt.Sprintf(format, args...))
}

// Background is the category code for pixels outside the tile geometry or
// without a classification.
const Background uint8 = 0

// Sentinel is the dynamicity code of any pixel whose sequence touches
// Background in at least one year.
const Sentinel int16 = -99

// DateLayout is the layout of range bounds in configuration and requests.
const DateLayout = "2006-01-02"

// TimeRange is one year of interest, [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// NewTimeRange parses two dates in DateLayout.
func NewTimeRange(start, end string) (TimeRange, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return TimeRange{}, fmt.Errorf("parse range start %q: %w", start, err)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return TimeRange{}, fmt.Errorf("parse range end %q: %w", end, err)
	}
	return TimeRange{Start: s, End: e}, nil
}

// Label is the year of Start. It names histogram columns and artifacts.
func (r TimeRange) Label() string {
	return strconv.Itoa(r.Start.Year())
}

func (r TimeRange) String() string {
	return r.Start.Format(DateLayout) + "/" + r.End.Format(DateLayout)
}

// ValidateRanges checks that ranges is non-empty, each range is well formed,
// and ranges are strictly chronological with distinct labels.
func ValidateRanges(ranges []TimeRange) error {
	if len(ranges) == 0 {
		return Fatalf("no time ranges configured")
	}
	seen := make(map[string]bool, len(ranges))
	for i, r := range ranges {
		if !r.End.After(r.Start) {
			return Fatalf("time range %d (%s) ends before it starts", i, r)
		}
		if i > 0 && !r.Start.After(ranges[i-1].Start) {
			return Fatalf("time range %d (%s) is not after %s", i, r, ranges[i-1])
		}
		if seen[r.Label()] {
			return Fatalf("duplicate time range label %s", r.Label())
		}
		seen[r.Label()] = true
	}
	return nil
}

// Labels returns the label of each range, in order.
func Labels(ranges []TimeRange) []string {
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.Label()
	}
	return out
}

// Category is one land-cover class. Raster codes are the class index plus
// one so that 0 stays free for Background.
type Category struct {
	Code        uint8
	Name        string
	Description string
	Color       string
}

// Legend lists the land-cover classes in code order.
var Legend = []Category{
	{1, "Water", "Permanent and seasonal water bodies", "#419BDF"},
	{2, "Trees", "Primary and secondary forests and large-scale plantations", "#397D49"},
	{3, "Grass", "Natural grasslands, livestock pastures and parks", "#88B053"},
	{4, "Flooded vegetation", "Mangroves and other inundated ecosystems", "#7A87C6"},
	{5, "Crops", "Row crops and paddy crops", "#E49635"},
	{6, "Shrub & Scrub", "Sparse to dense open vegetation consisting of shrubs", "#DFC35A"},
	{7, "Built Area", "Low- and high-density buildings, roads and urban open space", "#C4281B"},
	{8, "Bare ground", "Deserts and exposed rock", "#A59B8F"},
	{9, "Snow & Ice", "Permanent and seasonal snow cover", "#B39FE1"},
	{10, "Wind Turbine", "Wind turbine footprint including rotor radius", "#0984E3"},
	{11, "Solar Panel", "Solar panel shapes", "#2d3436"},
}

// CategoryName returns the legend name for code, "Background" for 0 and
// "Unknown" for codes outside the legend.
func CategoryName(code uint8) string {
	if code == Background {
		return "Background"
	}
	for _, c := range Legend {
		if c.Code == code {
			return c.Name
		}
	}
	return "Unknown"
}
