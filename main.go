package main

import (
	"github.com/esquires/rl-gear/cmd"
)

// main is the entry point for the rl-gear CLI. All command-line parsing,
// configuration, and execution lives in the cmd package.
func main() {
	cmd.Execute()
}
