// Command spoold runs the durable message spool daemon: it opens the
// configured backend, repairs it if needed, starts the housekeeper and
// MQTT publisher loop, and serves a read-only admin surface until
// SIGINT/SIGTERM.
//
// Usage:
//
//	spoold [--dotenv ./.env]
package main

import (
	"flag"
	"os"

	"github.com/nuetzliches/msgspool/internal/spoolapp"
)

func main() {
	dotenvPath := flag.String("dotenv", "", "load environment variables from file (dev only)")
	flag.Parse()

	os.Exit(spoolapp.Run(*dotenvPath))
}
