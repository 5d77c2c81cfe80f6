// Package version carries build metadata stamped via -ldflags; it is recorded
// alongside every pipeline run in the ledger.
package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns "version (sha)" for run records and log banners.
func String() string {
	return Version + " (" + GitSHA + ")"
}
