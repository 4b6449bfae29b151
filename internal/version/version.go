package version

// Version is the current version of tandem.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/vihu/tandem/internal/version.Version=v1.0.0'"
var Version = "dev"
