// The main package for the scrapegate executable.
package main

import (
	"github.com/JakeFAU/scrapegate/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
