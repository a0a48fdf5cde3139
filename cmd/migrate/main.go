package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Schema migration and seeding for the assignment engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return migrateCmd.RunE(cmd, nil)
	},
}

func main() {
	_ = godotenv.Load()

	rootCmd.AddCommand(migrateCmd, seedCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
