// Command api-bouncer runs the rate limiting demo server and its
// administrative commands.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
