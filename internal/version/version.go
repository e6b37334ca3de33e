package version

import "fmt"

// Set at build time with -ldflags "-X".
var (
	CLIName    = "custody"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func Info() BuildInfo {
	return BuildInfo{Name: CLIName, Version: CLIVersion, Commit: Commit, BuildDate: BuildDate}
}

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}
