package version

import "fmt"

// Set at build time with
//
//	-ldflags "-X github.com/chmdznr/psync/pkg/version.Version=... -X ...GitCommit=... -X ...BuildTime=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// UserAgent identifies psync in requests to the dataset service.
func UserAgent() string {
	return "psync/" + Version
}

// Info is the detailed version report printed by `psync version`.
func Info() string {
	return fmt.Sprintf("Version:    %s\nGit commit: %s\nBuilt:      %s\n", Version, shortCommit(GitCommit), BuildTime)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
