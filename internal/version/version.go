// Package version resolves the sitesync build version once per process.
package version

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	once   sync.Once
	cached string
)

// String returns the best-effort version of the running binary. The lookup
// order is the SITESYNC_VERSION environment variable, Go build information
// (module version, then VCS revision), and finally a development fallback.
func String() string {
	once.Do(func() {
		cached = detect()
	})
	return cached
}

func detect() string {
	if v := strings.TrimSpace(os.Getenv("SITESYNC_VERSION")); v != "" {
		return v
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return fmt.Sprintf("dev-%s", setting.Value)
			}
		}
	}

	return "development"
}
