// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package version provides the version and build information.
package version

import (
	"path"
	"runtime"
	"runtime/debug"
	"strings"

	"go.astrophena.name/hexbot/internal/syncx"
)

var (
	loadFunc = debug.ReadBuildInfo // swapped out in tests
	lazyInfo syncx.Lazy[Info]
)

func load() Info {
	return lazyInfo.Get(func() Info { return loadInfo(loadFunc) })
}

// Version returns the version and build information of the current binary.
func Version() Info { return load() }

// CmdName returns the base name of the current binary.
func CmdName() string { return load().Name }

// UserAgent returns the User-Agent string that identifies the current binary
// in HTTP requests.
func UserAgent() string { return userAgent(load()) }

func userAgent(i Info) string {
	return i.Name + "/" + i.Version + " (+https://astrophena.name/bleep-bloop)"
}

// Info is the version and build information of the current binary.
type Info struct {
	Name    string `json:"name"`     // base name of the main package path
	Version string `json:"version"`  // module version, or "devel"
	Commit  string `json:"commit"`   // BuildInfo's vcs.revision
	BuiltAt string `json:"built_at"` // BuildInfo's vcs.time
	Dirty   bool   `json:"dirty"`    // BuildInfo's vcs.modified
	Go      string `json:"go"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
}

// String implements the fmt.Stringer interface.
func (i Info) String() string {
	var sb strings.Builder

	sb.WriteString(i.Name + " " + i.Version + " (" + i.Go + ", " + i.OS + "/" + i.Arch + ")" + "\n")
	if i.Commit != "" {
		commit := i.Commit
		if i.Dirty {
			commit += " (dirty)"
		}
		sb.WriteString("commit " + commit + "\n")
	}
	if i.BuiltAt != "" {
		sb.WriteString("built at " + i.BuiltAt + "\n")
	}

	return sb.String()
}

func loadInfo(f func() (*debug.BuildInfo, bool)) Info {
	i := Info{
		Name:    "binary",
		Version: "devel",
		Go:      runtime.Version(),
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}

	bi, ok := f()
	if !ok {
		return i
	}

	if bi.Path != "" {
		i.Name = path.Base(bi.Path)
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}
	if bi.GoVersion != "" {
		i.Go = bi.GoVersion
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.Commit = s.Value
		case "vcs.time":
			i.BuiltAt = s.Value
		case "vcs.modified":
			i.Dirty = s.Value == "true"
		case "GOOS":
			i.OS = s.Value
		case "GOARCH":
			i.Arch = s.Value
		}
	}

	return i
}
