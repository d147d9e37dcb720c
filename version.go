package smartmeter

import "fmt"

// populated via -ldflags on release builds
var (
	buildVersion = "<unknown>"
	buildDate    = "<unknown>"
)

// VersionInfo returns the build version and date of this module.
func VersionInfo() string {
	return fmt.Sprintf("%s (%s)", buildVersion, buildDate)
}
