/*
main.go - Application entry point

PURPOSE:
  The coopledger command: runs the HTTP server, migrates the per-cooperative
  databases and audits their integrity.

COMMANDS:
  serve    Start the HTTP API (graceful shutdown on SIGINT/SIGTERM)
  migrate  Open every cooperative database and apply pending migrations
  check    Audit every correction chain; exit 1 when anomalies are found

CONFIGURATION:
  Flags win over COOP_* environment variables, which win over coop.yaml,
  which wins over defaults (see config/config.go).

EXAMPLES:
  # Serve two cooperatives from ./data
  coopledger serve --coops=north-coop,south-coop

  # Audit before a backup
  COOP_DATA_DIR=/var/lib/coop coopledger check

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings and logger
*/
package main

import (
	"os"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
