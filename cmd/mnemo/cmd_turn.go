package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/engine"
)

var turnJSON bool

// turnCmd processes one user message through the full pipeline.
var turnCmd = &cobra.Command{
	Use:   "turn [message]",
	Short: "Process one conversational turn",
	Long: `Processes a message: redacts PII, resolves entity mentions, extracts
facts, reconciles them against existing memory, queries the domain
database, and prints the grounded reply.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openEngine(); err != nil {
			return err
		}
		defer closeEngine()

		session := sessionID
		if session == "" {
			session = time.Now().UTC().Format("2006-01-02")
		}
		res, err := eng.ProcessTurn(context.Background(), engine.TurnRequest{
			UserID:    userID,
			SessionID: session,
			Message:   strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		if turnJSON {
			return printJSON(res)
		}
		fmt.Println(res.Reply)
		if res.Disambiguation != nil {
			return nil
		}
		if verbose {
			fmt.Printf("\n[event=%d entities=%d new_memories=%d reinforced=%d conflicts=%d facts=%d intent=%s",
				res.EventID, len(res.Entities), len(res.NewMemoryIDs), len(res.ReinforcedIDs),
				len(res.Conflicts), len(res.Facts), res.Intent)
			if res.Duplicate {
				fmt.Print(" duplicate")
			}
			if res.Degraded {
				fmt.Print(" degraded")
			}
			fmt.Println("]")
		}
		return nil
	},
}

func init() {
	turnCmd.Flags().BoolVar(&turnJSON, "json", false, "print the full turn envelope as JSON")
	rootCmd.AddCommand(turnCmd)
}
