// Command lifetimectl is the operator CLI for the lifetime program. It reads
// the same environment as the API and talks to Postgres (and SQS for
// enqueued sweeps) directly.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(newEnvBackend).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
