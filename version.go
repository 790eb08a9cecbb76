package concourse

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the concourse engine.
var Version = strings.TrimSpace(versionFile)
