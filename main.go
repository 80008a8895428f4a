// The main package for the catalog executable.
package main

import (
	"github.com/JakeFAU/instrument-catalog/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
