package version

import (
	"fmt"
	"runtime"
)

// Set at build time through -ldflags.
var (
	Version   = "0.1.0-dev"
	GitCommit = ""
)

// PrintVersion writes the full version banner to standard output.
func PrintVersion() {
	fmt.Printf("dvrkitd version %s", Version)
	if GitCommit != "" {
		fmt.Printf(" (%s)", GitCommit)
	}
	fmt.Printf(" %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
}
