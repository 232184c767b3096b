package config

import (
	"flag"
	"os"
	"path/filepath"
	"runtime"
)

var osSetenv = os.Setenv

// testing reports whether the current binary is a "go test" binary.
func testing() bool {
	return flag.Lookup("test.v") != nil
}

// projectRoot resolves the repository root relative to this source file
// unless PROJECT_ROOT_DIR is set (e.g. inside the container image).
func projectRoot() string {
	if dir, ok := os.LookupEnv("PROJECT_ROOT_DIR"); ok {
		return dir
	}

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "/app"
	}

	return filepath.Join(filepath.Dir(file), "../..")
}
