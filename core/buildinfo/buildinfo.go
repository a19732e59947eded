// Package buildinfo reports the identity of the running binary. Values are
// stamped at link time:
//
//	go build -ldflags "-X github.com/m3rciful/marketbot/core/buildinfo.Version=v1.2.0 \
//	  -X github.com/m3rciful/marketbot/core/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/m3rciful/marketbot/core/buildinfo.Date=$(date -u +%FT%TZ)"
package buildinfo

import "strings"

var (
	Version = "dev"
	Commit  = "local"
	// Date is RFC 3339 and may be empty.
	Date = ""
)

// String renders "marketbot <version> (<commit>[, <date>])" for the version command.
func String() string {
	meta := []string{Commit}
	if Date != "" {
		meta = append(meta, Date)
	}
	return "marketbot " + Version + " (" + strings.Join(meta, ", ") + ")"
}
