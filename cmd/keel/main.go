// Command keel is the wallet chain-interaction engine CLI.
package main

import (
	"os"

	"github.com/keelwallet/keel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
