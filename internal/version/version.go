// Package version holds build information injected at link time:
//
//	go build -ldflags "-X llmchat/internal/version.Version=v1.0.0 \
//	  -X llmchat/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X llmchat/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line summary
func Info() string {
	return fmt.Sprintf("llmchat %s (commit %s, built %s)", Version, Commit, Date)
}
