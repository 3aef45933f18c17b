// Package cmd implements the gk CLI commands.
//
// gk is the client-side companion to the gatekeeper gateway: it keeps a
// registry of gateway instances, generates keypairs, drives the
// challenge-response flow to obtain API keys, and makes proxied requests.
// State lives as plain JSON files under ~/.gk.
package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:          "gk",
	Short:        "Client CLI for gatekeeper instances",
	Long: `gk manages gatekeeper instances, keypairs and API keys.

Register an instance with "gk add", generate a keypair with "gk keygen",
then "gk apikey" runs the challenge-response flow and caches the issued
key. "gk proxy" makes authenticated requests through the gateway.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errFmt("Error:"), err)
		os.Exit(1)
	}
}
