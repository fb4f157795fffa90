// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Set via ldflags: -X github.com/autobrr/pickarr/internal/buildinfo.Version=...
var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	UserAgent = fmt.Sprintf("pickarr/%s", Version)
)

// IsDevBuild reports whether the binary was built without a release version.
func IsDevBuild() bool {
	return Version == "dev" || Version == ""
}
