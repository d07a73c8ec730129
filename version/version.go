package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build-time
var (
	Version   = "undefined"
	GitDate   = "undefined"
	GitCommit = "undefined"
	BuildDate = "undefined"
	GoVersion = runtime.Version()
)

// String returns the version together with the commit it was built from
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s with %s)", Version, GitCommit, BuildDate, GoVersion)
}
