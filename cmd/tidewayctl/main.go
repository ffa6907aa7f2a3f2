// Command tidewayctl is the operator CLI for tidewayd: deploy, promote,
// rollback, and inspect blue-green slots over the /tool HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/tidewayhq/tideway/cmd/tidewayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
