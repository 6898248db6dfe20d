package main

import (
	"fmt"
	"io"
	"runtime/debug"
)

// version is stamped by the release build:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/opflow/
var version = "dev"

// resolvedVersion prefers the stamped version, then the module version
// recorded by `go install module@version`.
func resolvedVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "opflow", resolvedVersion())
}
