package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	flagGateway = "gateway"
	flagTimeout = "timeout"
)

var rootCmd = &cobra.Command{
	Use:           "settlectl",
	Short:         "Operator client for the settlement gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String(flagGateway, gateway, "settlement gateway base URL")
	rootCmd.PersistentFlags().Duration(flagTimeout, 15*time.Second, "request timeout")
	rootCmd.AddCommand(orderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
