package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/memory"
)

var consolidateForce bool

// consolidateCmd synthesizes a summary for a scope.
var consolidateCmd = &cobra.Command{
	Use:   "consolidate <scope>",
	Short: "Consolidate memories into a summary",
	Long: `Consolidates a scope of memories into one summary, boosting facts the
summary confirms and archiving the episodic sources.

Scopes:
  entity:<entity_id>   everything known about one entity
  topic:<pattern>      semantic facts whose predicate matches the glob`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := memory.ParseScope(args[0])
		if err != nil {
			return err
		}
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		res, err := eng.Consolidate(context.Background(), userID, scope, consolidateForce)
		if err != nil {
			return err
		}
		if !res.Created {
			if res.Summary != nil {
				fmt.Printf("Unchanged; existing summary %s kept.\n", res.Summary.SummaryID)
			} else {
				fmt.Println("Nothing to consolidate (below threshold; use --force to override).")
			}
			return nil
		}
		fmt.Printf("Summary %s (confidence %.2f", res.Summary.SummaryID, res.Summary.Confidence)
		if res.Fallback {
			fmt.Print(", deterministic fallback")
		}
		fmt.Printf("):\n%s\n", res.Summary.SummaryText)
		if len(res.Boosted) > 0 {
			fmt.Printf("Boosted %d confirmed memories.\n", len(res.Boosted))
		}
		return nil
	},
}

// patternsCmd mines procedural heuristics from episodic history.
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Mine procedural patterns from episodic history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		mined, err := eng.DetectPatterns(context.Background(), userID)
		if err != nil {
			return err
		}
		if len(mined) == 0 {
			fmt.Println("No patterns met the support threshold.")
			return nil
		}
		for _, p := range mined {
			fmt.Printf("%s: when %s involving [%v], expect %v (seen %d, conf %.2f)\n",
				p.MemoryID, p.TriggerFeatures.Intent, p.TriggerFeatures.EntityTypes,
				p.ActionStructure, p.ObservedCount, p.Confidence)
		}
		return nil
	},
}

// explainCmd prints the provenance bundle for one memory.
var explainCmd = &cobra.Command{
	Use:   "explain <memory_id>",
	Short: "Explain why a fact is believed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		ex, err := eng.Explain(context.Background(), args[0])
		if err != nil {
			return err
		}
		m := ex.Memory
		fmt.Printf("%s %s = %s\n", m.SubjectEntityID, m.Predicate, m.ObjectString())
		fmt.Printf("  stored confidence %.2f, effective %.2f, reinforced x%d, status %s\n",
			m.Confidence, ex.EffectiveConfidence, m.ReinforcementCount, m.Status)
		if ex.SourceEvent != nil {
			fmt.Printf("  from event %d (%s, %s): %q\n",
				ex.SourceEvent.EventID, ex.SourceEvent.SessionID,
				ex.SourceEvent.CreatedAt.Format("2006-01-02"), ex.SourceEvent.Content)
		}
		for _, c := range ex.Conflicts {
			fmt.Printf("  conflict %s vs %s: %s resolved %s at %s\n",
				c.MemoryA, c.MemoryB, c.Type, c.Resolution, c.ResolvedAt.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	consolidateCmd.Flags().BoolVarP(&consolidateForce, "force", "f", false, "consolidate even below the episodic threshold")
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(explainCmd)
}
