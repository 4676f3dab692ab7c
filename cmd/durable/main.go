// Command durable runs, inspects and recovers durable executions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/durable/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
