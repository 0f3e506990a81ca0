package meta

import (
	"fmt"
	"runtime"
)

// Info describes the build of an sngate binary. The values are set by the
// Go linker at build time, see the vars below.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
}

// These will be filled in using the linker -X flag
var (
	// Version as an arbitrary string
	Version = "dev"

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   Version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		Platform:  platform,
	}
}

func (i Info) String() string {
	build := i.Build
	if build == "" {
		build = "unknown"
	}

	return fmt.Sprintf("sngate %s (%s) %s %s", i.Version, build, i.Platform, i.GoVersion)
}
