package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "producer",
	Short: "Submit code to a sandrun queue",
	Long: `Publish a job to the sandrun Redis stream and optionally wait for its result.

Examples:
  producer submit --language python --file hello.py
  producer submit --language ruby --file calc_spec.rb --tests --wait
  echo 'print(input())' | producer submit -l python --input hi --wait`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
