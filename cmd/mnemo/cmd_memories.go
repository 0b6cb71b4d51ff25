package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	memEntityID string
	memLimit    int
	memJSON     bool
)

// memoriesCmd lists semantic memories with decayed confidence.
var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "List remembered facts with current confidence",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		views, err := eng.GetMemories(context.Background(), userID, memEntityID, memLimit)
		if err != nil {
			return err
		}
		if memJSON {
			return printJSON(views)
		}
		if len(views) == 0 {
			fmt.Println("No memories.")
			return nil
		}
		for _, v := range views {
			m := v.Memory
			fmt.Printf("%-40s %s %s = %s  conf=%.2f (stored %.2f, x%d) [%s]\n",
				m.MemoryID, m.SubjectEntityID, m.Predicate, m.ObjectString(),
				v.EffectiveConfidence, m.Confidence, m.ReinforcementCount, m.Status)
		}
		return nil
	},
}

// entitiesCmd lists canonical entities and their aliases.
var entitiesCmd = &cobra.Command{
	Use:   "entities [type]",
	Short: "List canonical entities and learned aliases",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		entityType := ""
		if len(args) > 0 {
			entityType = args[0]
		}
		views, err := eng.GetEntities(context.Background(), entityType)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No entities.")
			return nil
		}
		for _, v := range views {
			en := v.Entity
			fmt.Printf("%-32s %-10s %s", en.EntityID, en.EntityType, en.CanonicalName)
			if en.ExternalRef != nil {
				fmt.Printf("  -> %s/%s", en.ExternalRef.Table, en.ExternalRef.ID)
			}
			fmt.Println()
			for _, a := range v.Aliases {
				scope := "global"
				if a.UserID != "" {
					scope = "user:" + a.UserID
				}
				fmt.Printf("    alias %q (%s, %s, conf=%.2f, used %d)\n",
					a.AliasText, a.AliasSource, scope, a.Confidence, a.UsageCount)
			}
		}
		return nil
	},
}

// statsCmd prints row counts per memory layer.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory layer statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		stats, err := eng.GetStats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	memoriesCmd.Flags().StringVarP(&memEntityID, "entity", "e", "", "filter by subject entity id")
	memoriesCmd.Flags().IntVarP(&memLimit, "limit", "n", 50, "maximum memories to show")
	memoriesCmd.Flags().BoolVar(&memJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(memoriesCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(statsCmd)
}
