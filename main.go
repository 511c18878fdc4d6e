// The main package for the zca executable.
package main

import "github.com/JakeFAU/zonal-climate-analyzer/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
