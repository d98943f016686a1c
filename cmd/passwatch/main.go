package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "passwatch",
	Short: "satellite visibility pass predictor",
	Long: `passwatch predicts when a satellite (the ISS by default) rises above a
minimum elevation for an observer, and serves the predictions over HTTP.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()

	rootCmd.Version = version
	rootCmd.AddCommand(newServeCmd(), newPredictCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "passwatch: %v\n", err)
		os.Exit(1)
	}
}
