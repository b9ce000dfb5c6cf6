// The main package for the urlfetch executable.
package main

import (
	"github.com/jake-fetch/urlfetch/cmd"
)

// main is the entry point of the application. It defers all
// execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
