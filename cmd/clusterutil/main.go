// Command clusterutil is the orchestration engine's entry point: it
// parses flags, loads a settings document, and drives either a
// grid_search sweep or an hp_optimization search to completion.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/martius-lab/cluster-utils-go/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "unknown"
)

func main() {
	args, err := cli.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if args.ShowVersion {
		showVersion()
		return
	}

	code, err := cli.Run(context.Background(), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clusterutil: %v\n", err)
	}
	os.Exit(code)
}

func showVersion() {
	fmt.Printf("clusterutil %s\n", version)
	fmt.Printf("built: %s\n", buildTime)
	fmt.Printf("commit: %s\n", commit)
}
