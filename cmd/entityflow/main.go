// Command entityflow runs the workflow and notification engine.
//
//	entityflow [serve] [-config path]   run the engine (default)
//	entityflow validate <bundle>...     check definition bundles
//	entityflow diagram [flags] <bundle> render a workflow state diagram
//	entityflow version                  print the build version
package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "validate":
		err = runValidate(args, os.Stdout)
	case "diagram":
		err = runDiagram(args, os.Stdout)
	case "version":
		printVersion()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
