// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/relayhub/relay/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// UserAgent is the outbound User-Agent string: Relay/<version> (relayhub).
func UserAgent() string {
	return "Relay/" + Version + " (relayhub)"
}
