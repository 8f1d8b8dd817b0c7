package revenium

import (
	"fmt"
	"runtime/debug"
)

const middlewareName = "revenium-metering-anthropic-go"

var (
	middlewareVersion = "1.0.0"
	middlewareSource  string
	userAgent         string
)

func init() {
	goVersion := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		goVersion = info.GoVersion
	}
	middlewareSource = fmt.Sprintf("%s/%s", middlewareName, middlewareVersion)
	userAgent = fmt.Sprintf("%s/%s Go/%s", middlewareName, middlewareVersion, goVersion)
}

// GetMiddlewareSource returns the middleware identifier reported on usage events.
func GetMiddlewareSource() string {
	return middlewareSource
}

// GetUserAgent returns the User-Agent string used for metering API requests.
func GetUserAgent() string {
	return userAgent
}
