/*
main.go - Application entry point

PURPOSE:
  Starts the credit engine command line. All wiring lives in cli/.

EXAMPLES:
  # Seed the default catalog into a local SQLite database, then serve
  ./server seed
  ./server serve --port 3000

  # Postgres, config file plus environment
  CREDITS_DATABASE_URL=postgres://... ./server --config credits.toml serve

  # Run the monthly grants once
  ./server jobs monthly-grants

SEE ALSO:
  - cli/root.go: Commands and global flags
  - config/config.go: Configuration sources
*/
package main

import (
	"os"

	"github.com/warp/credit-engine/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
