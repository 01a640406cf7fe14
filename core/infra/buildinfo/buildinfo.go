// Package buildinfo carries the version stamped into davlock binaries.
package buildinfo

import (
	"fmt"

	"github.com/cordum/davlock/core/infra/logging"
)

// Set at build time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Logger().WithField("service", service).Info(Info())
}
