package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mnemo/internal/store"
)

var initSampleData bool

// initCmd creates the data directory, memory database, and ontology.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory and databases",
	Long: `Creates the data directory, the memory database with its full schema,
seeds the default domain ontology, and optionally creates a domain
database with sample business data for experimenting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		s, err := store.NewStore(cfg.Memory.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.SeedOntology(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Memory database ready at %s\n", cfg.Memory.DatabasePath)

		if _, err := os.Stat(cfg.Domain.DatabasePath); os.IsNotExist(err) {
			if err := store.InitDomainDB(cfg.Domain.DatabasePath, initSampleData); err != nil {
				return err
			}
			fmt.Printf("Domain database ready at %s", cfg.Domain.DatabasePath)
			if initSampleData {
				fmt.Print(" (with sample data)")
			}
			fmt.Println()
		} else {
			fmt.Printf("Domain database already exists at %s\n", cfg.Domain.DatabasePath)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initSampleData, "sample-data", false, "seed the domain database with sample customers, orders, and invoices")
	rootCmd.AddCommand(initCmd)
}
