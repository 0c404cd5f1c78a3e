// The main package for the event-scraper executable.
package main

import (
	"github.com/JakeFAU/event-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
