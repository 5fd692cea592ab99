package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const component = "gemrelay"

var (
	// Set at build time with -ldflags:
	// -X github.com/lkarlslund/gemrelay/pkg/version.Version=vX.Y.Z
	// -X github.com/lkarlslund/gemrelay/pkg/version.Commit=<sha>
	// -X github.com/lkarlslund/gemrelay/pkg/version.Date=<rfc3339>
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

// String renders "version+shortsha[+dirty]".
func (i Info) String() string {
	parts := []string{i.Version}
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if i.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

func String() string {
	return Current().String()
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s", component, v.String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent is sent on every upstream request.
func UserAgent() string {
	return component + "/" + Current().Version
}
