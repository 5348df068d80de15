// Package version 构建信息，通过 -ldflags 注入:
//
//	go build -ldflags "-X github.com/wfunc/farm-controller/internal/version.Version=15.4.0 \
//	  -X github.com/wfunc/farm-controller/internal/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "0.0.0-dev"
	Target    = "host"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String 返回单行版本描述
func String() string {
	return fmt.Sprintf("%s (%s) commit=%s built=%s %s/%s",
		Version, Target, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
