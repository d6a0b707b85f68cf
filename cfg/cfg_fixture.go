// SPDX-License-Identifier: ice License 1.0

//go:build test

package cfg

import (
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/errors"
)

func init() {
	mustInit(findAllApplicationConfigFiles()...)
}

// findAllApplicationConfigFiles globs for application.yaml near the test
// working directory, the binary and this source file, so any package's
// tests can resolve the repo-level fixture.
func findAllApplicationConfigFiles() []string {
	var candidateDirs []string
	if wd, err := os.Getwd(); err == nil {
		candidateDirs = append(candidateDirs, wd, filepath.Join(wd, ".testdata"))
	}
	if bin, err := os.Executable(); err == nil {
		candidateDirs = append(candidateDirs, filepath.Dir(bin))
	}
	_, callerFile, _, _ := runtime.Caller(0)
	candidateDirs = append(candidateDirs,
		filepath.Join(filepath.Dir(callerFile), ".."),
		filepath.Join(filepath.Dir(callerFile), "..", ".."),
	)

	var files []string
	for _, dir := range candidateDirs {
		pattern := filepath.Join(dir, "application.yaml")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			log.Println(errors.Wrapf(err, "glob failed for [%v]", pattern))

			continue
		}
		files = append(files, matches...)
	}

	return files
}
