// Command e2term runs the O-RAN E2 Termination Core: it terminates E2
// associations from E2 Nodes, brokers RIC Subscription/Indication/Control
// traffic, and exposes that state to xApps over a direct Go API and a
// WebSocket IPC surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
