package main

import "os"

func main() {
	rootCmd := newRootCommand()
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(healthcheckCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
