package scheduler

import (
	"fmt"
	"strings"

	"github.com/banshee-data/landcover.report/internal/landcover"
	"github.com/banshee-data/landcover.report/internal/tiling"
)

// State is the lifecycle position of one tile×year job.
type State string

const (
	StateCandidate State = "CANDIDATE"
	StateSkipped   State = "SKIPPED"
	StateQueued    State = "QUEUED"
	StateSubmitted State = "SUBMITTED"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{StateCandidate, StateSkipped, StateQueued, StateSubmitted, StateSucceeded, StateFailed}

// Job is one export request for a tile and a time range.
type Job struct {
	Subregion int
	TileID    string
	Range     landcover.TimeRange
	State     State
	JobID     string
	Err       error

	tile tiling.Tile
}

// SubmissionFailure is a job the service rejected permanently.
type SubmissionFailure struct {
	Subregion int
	TileID    string
	Year      string
	Err       error
}

func (f *SubmissionFailure) Error() string {
	return fmt.Sprintf("subregion %d tile %s year %s: %v", f.Subregion, f.TileID, f.Year, f.Err)
}

func (f *SubmissionFailure) Unwrap() error { return f.Err }

// Report is the outcome of a scheduler run.
type Report struct {
	Jobs      []*Job
	Failures  []*SubmissionFailure
	Done      []string // tile keys of windows with no failed job, in submission order
	Completed []int    // subregions marked complete by this run
}

func (r *Report) add(sub int, t tiling.Tile, tr landcover.TimeRange) *Job {
	j := &Job{Subregion: sub, TileID: t.Key(), Range: tr, State: StateCandidate, tile: t}
	r.Jobs = append(r.Jobs, j)
	return j
}

func (r *Report) addSkipped(sub int, t tiling.Tile, ranges []landcover.TimeRange) {
	for _, tr := range ranges {
		r.add(sub, t, tr).State = StateSkipped
	}
}

// Counts returns the number of jobs in each state.
func (r *Report) Counts() map[State]int {
	out := make(map[State]int)
	for _, j := range r.Jobs {
		out[j.State]++
	}
	return out
}

// Summary is a one-line count per non-empty state.
func (r *Report) Summary() string {
	counts := r.Counts()
	var parts []string
	for _, s := range States {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(string(s)), n))
		}
	}
	if len(parts) == 0 {
		return "no jobs"
	}
	return strings.Join(parts, " ")
}
