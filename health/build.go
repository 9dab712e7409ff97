package health

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Set with -ldflags "-X github.com/ddasdkimo/keyvalueserver/health.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
}

func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		commit = "unknown"
	}

	built := "unknown"
	if !b.BuildTime.IsZero() {
		built = b.BuildTime.Format("2006-01-02")
	}

	return fmt.Sprintf("%s-%s (%s, %s %s)", b.Version, commit, built, b.GoVersion, b.Platform)
}

// GetBuildInfo merges, in increasing priority: the VCS stamp of the binary,
// a build.info file next to the working directory, and linker flags.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				info.BuildTime, _ = time.Parse(time.RFC3339, setting.Value)
			}
		}
	}

	for _, path := range []string{"build.info", "/app/build.info"} {
		if file, err := os.Open(path); err == nil {
			parseBuildInfoFile(file, &info)
			file.Close()
			break
		}
	}

	if GitCommit != "" {
		info.GitCommit = GitCommit
	}
	if t, err := time.Parse(time.RFC3339, BuildTime); err == nil {
		info.BuildTime = t
	}

	return info
}

// parseBuildInfoFile reads KEY=VALUE lines; # starts a comment.
func parseBuildInfoFile(file *os.File, info *BuildInfo) {
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "VERSION":
			info.Version = value
		case "GIT_COMMIT":
			info.GitCommit = value
		case "BUILD_TIME":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.BuildTime = t
			}
		}
	}
}
