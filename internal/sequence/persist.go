package sequence

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"

	"github.com/banshee-data/landcover.report/internal/fsutil"
)

// CountColumn is the trailing count column of the histogram CSV.
const CountColumn = "num_tiles"

// DynamicityHeader is the header row of the dynamicity CSV.
var DynamicityHeader = []string{"chip", "num_changed_tiles", "median", "max"}

// HistogramFile stores a histogram as CSV: one column per year label holding
// that year's category code, then CountColumn.
type HistogramFile struct {
	FS   fsutil.FileSystem
	Path string
}

// Load reads the histogram. A missing file yields an empty histogram over
// years; an existing file must use exactly those year columns.
func (f *HistogramFile) Load(years []string) (*Histogram, error) {
	data, err := f.FS.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewHistogram(years), nil
	}
	if err != nil {
		return nil, err
	}
	h, err := ReadHistogram(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	if !sameYears(h.Years, years) {
		return nil, fmt.Errorf("%s has year columns %v, want %v", f.Path, h.Years, years)
	}
	return h, nil
}

// Save atomically replaces the file with h.
func (f *HistogramFile) Save(h *Histogram) error {
	var buf bytes.Buffer
	if err := WriteHistogram(&buf, h); err != nil {
		return err
	}
	return f.FS.ReplaceFile(f.Path, buf.Bytes(), 0644)
}

// WriteHistogram writes h as CSV, rows ordered by descending count.
func WriteHistogram(w io.Writer, h *Histogram) error {
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), h.Years...), CountColumn)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for _, k := range h.Keys() {
		seq, err := ParseKey(k)
		if err != nil {
			return err
		}
		if len(seq) != len(h.Years) {
			return fmt.Errorf("key %q does not match %d years", k, len(h.Years))
		}
		for i, v := range seq {
			row[i] = strconv.Itoa(int(v))
		}
		row[len(seq)] = strconv.FormatInt(h.Counts[k], 10)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadHistogram parses CSV written by WriteHistogram. Duplicate rows are summed.
func ReadHistogram(r io.Reader) (*Histogram, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || header[len(header)-1] != CountColumn {
		return nil, fmt.Errorf("header %v does not end in %s", header, CountColumn)
	}
	h := NewHistogram(header[:len(header)-1])
	seq := make([]uint8, len(h.Years))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for i := range seq {
			v, err := strconv.ParseUint(rec[i], 10, 8)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, h.Years[i], err)
			}
			seq[i] = uint8(v)
		}
		n, err := strconv.ParseInt(rec[len(seq)], 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("line %d: bad count %q", line, rec[len(seq)])
		}
		h.Counts[Key(seq)] += n
	}
	return h, nil
}

// DynamicityLog is the append-only per-tile summary CSV.
type DynamicityLog struct {
	FS   fsutil.FileSystem
	Path string
}

// Chips returns the chips already summarized.
func (l *DynamicityLog) Chips() (map[string]bool, error) {
	rows, err := l.Rows()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.Chip] = true
	}
	return out, nil
}

// Rows reads every summary row. A missing file yields none.
func (l *DynamicityLog) Rows() ([]TileSummary, error) {
	data, err := l.FS.ReadFile(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = len(DynamicityHeader)
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Path, err)
	}
	var out []TileSummary
	for i, rec := range recs {
		if i == 0 && rec[0] == DynamicityHeader[0] {
			continue
		}
		changed, err1 := strconv.ParseInt(rec[1], 10, 64)
		med, err2 := strconv.ParseFloat(rec[2], 64)
		max, err3 := strconv.ParseInt(rec[3], 10, 16)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", l.Path, i+1, err)
		}
		out = append(out, TileSummary{Chip: rec[0], Changed: changed, Median: med, Max: int16(max)})
	}
	return out, nil
}

// Append adds one row, writing the header first when the file is new.
func (l *DynamicityLog) Append(ts TileSummary) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if !l.FS.Exists(l.Path) {
		cw.Write(DynamicityHeader)
	}
	cw.Write([]string{
		ts.Chip,
		strconv.FormatInt(ts.Changed, 10),
		strconv.FormatFloat(ts.Median, 'f', -1, 64),
		strconv.Itoa(int(ts.Max)),
	})
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return l.FS.AppendFile(l.Path, buf.Bytes(), 0644)
}
