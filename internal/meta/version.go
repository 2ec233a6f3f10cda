package meta

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at build time with
//
//	go build -ldflags "-X github.com/luma/lumen/internal/meta.Version=v1.2.0 ..."
var (
	Version      string
	Build        string
	Branch       string
	BuildTimeUTC string
)

// Info is what `lumen version` prints.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
}

func GetInfo() Info {
	version := Version
	if version == "" {
		version = "dev"
	}

	return Info{
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion: runtime.Version(),
	}
}

func (i Info) String() string {
	parts := []string{"lumen", i.Version, "(" + i.Platform + ")", i.GoVersion}

	if i.BuildTime != "" {
		parts = append(parts, i.BuildTime)
	}

	if i.Build != "" {
		parts = append(parts, fmt.Sprintf("%s@%s", i.Branch, i.Build))
	}

	return strings.Join(parts, " ")
}
