// The main package for the compass-crawl-api executable.
package main

import (
	"github.com/hajimari-inc/compass-crawl-api/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
