package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "e2term",
		Short: "O-RAN E2 Termination Core",
		Long:  "e2term terminates E2 associations from E2 Nodes and brokers RIC Subscription, Indication, and Control traffic to xApps.",
	}
	root.AddCommand(newServeCmd())
	return root
}
