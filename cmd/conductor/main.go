package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Analysis workflow orchestrator",
		Long: "conductor routes analysis requests through a DAG of capability " +
			"backends with fallback and degraded local synthesis, and exposes " +
			"workflow lifecycle control over HTTP.",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
