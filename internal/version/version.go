package version

// Name of the service.
const Name = "Guard"

var (
	// Version is the semantic version
	Version = "0.1.0"
	// BuildTime is set during build via ldflags
	BuildTime = "unknown"
	// GitCommit is set during build via ldflags
	GitCommit = "unknown"
)

// Full returns the version with build metadata when it was injected.
func Full() string {
	if BuildTime == "unknown" || GitCommit == "unknown" {
		return Version
	}
	return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
}

// UserAgent identifies outbound requests made by the service.
func UserAgent() string {
	return Name + "/" + Version
}
