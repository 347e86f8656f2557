package version

// Build metadata for the dvm binary, stamped via -ldflags on release builds.
var (
	// Version is the semantic version.
	Version = "dev"
	// Commit is the short git hash the binary was built from.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
