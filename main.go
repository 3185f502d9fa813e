// The main package for the mongosink executable.
package main

import (
	"github.com/JakeFAU/mongodb-sink/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
