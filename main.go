// The main package for the catalog-watch executable.
package main

import (
	"github.com/JakeFAU/catalog-watch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
