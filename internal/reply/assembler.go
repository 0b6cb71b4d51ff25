// Package reply assembles the grounded prompt for a turn and generates the
// user-facing answer. Context sections are ordered by trustworthiness: live
// database facts first, then memories with confidence labels, then recent
// conversation. A degraded LLM falls back to a plain listing of the top
// facts instead of failing the turn.
package reply

import (
	"fmt"
	"strings"

	"mnemo/internal/augment"
	"mnemo/internal/memory"
	"mnemo/internal/retrieval"
)

const systemRole = `You are a support assistant with long-term memory and live access
to the customer database. Answer using the context below.
Rules:
- Database facts are authoritative and current; prefer them over memories.
- Memories carry confidence labels; hedge or ask when confidence is low.
- Never invent invoice numbers, amounts, or dates.
- Keep answers short and concrete.`

// maxContextMemories bounds how many scored memories enter the prompt.
const maxContextMemories = 8

// maxRecentTurns bounds the trailing conversation window.
const maxRecentTurns = 3

// Input carries everything the assembler folds into one prompt.
type Input struct {
	UserMessage string
	Facts       []augment.DomainFact
	Memories    []retrieval.Scored
	Recent      []*memory.ChatEvent
	Heuristics  []*memory.ProceduralMemory
}

// Assemble renders the system and user prompts for reply generation.
func Assemble(in Input) (system, user string) {
	var sb strings.Builder

	if len(in.Facts) > 0 {
		sb.WriteString("## Database facts (authoritative)\n")
		for _, f := range in.Facts {
			fmt.Fprintf(&sb, "- %s [%s/%s]\n", f.Statement, f.Table, f.RowID)
		}
		sb.WriteString("\n")
	}

	if len(in.Memories) > 0 {
		sb.WriteString("## Remembered context\n")
		n := 0
		for _, m := range in.Memories {
			if n >= maxContextMemories {
				break
			}
			line := renderMemory(m)
			if line == "" {
				continue
			}
			sb.WriteString("- " + line + "\n")
			n++
		}
		sb.WriteString("\n")
	}

	if len(in.Heuristics) > 0 {
		sb.WriteString("## Learned patterns\n")
		for _, h := range in.Heuristics {
			fmt.Fprintf(&sb, "- When %s, usually check: %s (seen %dx)\n",
				h.TriggerFeatures.Intent, strings.Join(h.ActionStructure, ", "), h.ObservedCount)
		}
		sb.WriteString("\n")
	}

	if len(in.Recent) > 0 {
		sb.WriteString("## Recent conversation\n")
		recent := in.Recent
		if len(recent) > maxRecentTurns {
			recent = recent[len(recent)-maxRecentTurns:]
		}
		for _, ev := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", ev.Role, ev.Content)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "## Current message\n%s\n", in.UserMessage)
	return systemRole, sb.String()
}

func renderMemory(m retrieval.Scored) string {
	switch m.MemoryType {
	case "semantic":
		sm := m.Semantic
		return fmt.Sprintf("%s %s = %s (%s)",
			sm.SubjectEntityID, sm.Predicate, sm.ObjectString(),
			confidenceLabel(m.Breakdown.EffectiveConfidence))
	case "episodic":
		return fmt.Sprintf("earlier: %s (%s)", m.Episodic.Summary, m.Episodic.CreatedAt.Format("2006-01-02"))
	case "summary":
		return fmt.Sprintf("summary of %s: %s (%s)",
			m.Summary.Scope, m.Summary.SummaryText, confidenceLabel(m.Summary.Confidence))
	}
	return ""
}

func confidenceLabel(conf float64) string {
	switch {
	case conf >= 0.75:
		return "high confidence"
	case conf >= 0.5:
		return "medium confidence"
	case conf >= 0.3:
		return "low confidence, consider verifying"
	}
	return "stale, needs validation"
}
