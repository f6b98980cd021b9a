package version

import (
	"github.com/blang/semver"
)

var CURRENT_VERSION = semver.MustParse("0.4.0")
