// The main package for the linkwatch executable.
package main

import (
	"github.com/JakeFAU/linkwatch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
