package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string

	rootCmd = &cobra.Command{
		Use:          "xpense",
		Short:        "Personal finance tracker: cached views and mutations over your expenses, income and categories",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe, // Defined in serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the schema of the SQL backends",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  runMigrateUp, // Defined in migrate.go
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE:  runMigrateDown,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
