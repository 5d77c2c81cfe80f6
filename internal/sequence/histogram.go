// Package sequence reduces the aligned yearly classifications of a tile to
// per-pixel dynamicity codes and a histogram of observed category sequences,
// and persists both incrementally.
package sequence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/landcover.report/internal/landcover"
)

// KeySeparator joins the codes of a sequence into a histogram key.
const KeySeparator = "|"

// Key serializes a sequence, e.g. [1 1 2] -> "1|1|2".
func Key(seq []uint8) string {
	var b strings.Builder
	for i, v := range seq {
		if i > 0 {
			b.WriteString(KeySeparator)
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	return b.String()
}

// ParseKey is the inverse of Key.
func ParseKey(key string) ([]uint8, error) {
	parts := strings.Split(key, KeySeparator)
	seq := make([]uint8, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("sequence key %q: %w", key, err)
		}
		seq[i] = uint8(v)
	}
	return seq, nil
}

// Dynamicity is Sentinel when any element is Background, otherwise the
// number of distinct categories minus one.
func Dynamicity(seq []uint8) int16 {
	var seen [256]bool
	distinct := 0
	for _, v := range seq {
		if v == landcover.Background {
			return landcover.Sentinel
		}
		if !seen[v] {
			seen[v] = true
			distinct++
		}
	}
	if distinct == 0 {
		return 0
	}
	return int16(distinct - 1)
}

// Histogram counts pixels per distinct sequence. Years are the column labels
// in chronological order; every key has exactly len(Years) elements.
type Histogram struct {
	Years  []string
	Counts map[string]int64
}

// NewHistogram returns an empty histogram for the given year labels.
func NewHistogram(years []string) *Histogram {
	return &Histogram{Years: append([]string(nil), years...), Counts: make(map[string]int64)}
}

// Add counts one pixel with the given sequence.
func (h *Histogram) Add(seq []uint8) error {
	if len(seq) != len(h.Years) {
		return fmt.Errorf("sequence of length %d for %d years", len(seq), len(h.Years))
	}
	h.Counts[Key(seq)]++
	return nil
}

// Total is the number of counted pixels.
func (h *Histogram) Total() int64 {
	var n int64
	for _, c := range h.Counts {
		n += c
	}
	return n
}

// Keys returns the keys sorted by descending count, then key.
func (h *Histogram) Keys() []string {
	keys := make([]string, 0, len(h.Counts))
	for k := range h.Counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := h.Counts[keys[i]], h.Counts[keys[j]]
		if ci != cj {
			return ci > cj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Merge adds delta into h. Keys missing on either side count as zero, so no
// count ever decreases. Year columns must match exactly.
func (h *Histogram) Merge(delta *Histogram) error {
	if delta == nil {
		return nil
	}
	if !sameYears(h.Years, delta.Years) {
		return fmt.Errorf("cannot merge histogram over %v into one over %v", delta.Years, h.Years)
	}
	for k, c := range delta.Counts {
		if c < 0 {
			return fmt.Errorf("negative count %d for %s", c, k)
		}
		h.Counts[k] += c
	}
	return nil
}

// Clone returns a deep copy.
func (h *Histogram) Clone() *Histogram {
	out := NewHistogram(h.Years)
	for k, c := range h.Counts {
		out.Counts[k] = c
	}
	return out
}

func sameYears(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
