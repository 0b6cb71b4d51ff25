package augment

import "strings"

// Intent is the coarse query-routing class of a user turn.
type Intent string

const (
	IntentFinancial   Intent = "financial"
	IntentOperational Intent = "operational"
	IntentSLA         Intent = "sla_monitoring"
	IntentGeneral     Intent = "general"
)

// Keyword tables for routing. Classification is deterministic and cheap;
// the LLM never decides which SQL runs.
var intentKeywords = map[Intent][]string{
	IntentFinancial: {
		"invoice", "payment", "paid", "balance", "overdue", "bill",
		"billing", "owe", "owed", "outstanding", "refund", "charge",
	},
	IntentSLA: {
		"sla", "late", "deadline", "promised", "breach", "risk",
		"on time", "slipping", "delay", "delayed",
	},
	IntentOperational: {
		"order", "delivery", "deliver", "shipment", "ship", "schedule",
		"scheduled", "work order", "task", "install", "status",
	},
}

// intentPriority breaks ties when a message matches several classes: a
// question about a "late invoice" is financial first.
var intentPriority = []Intent{IntentFinancial, IntentSLA, IntentOperational}

// ClassifyIntent routes a redacted message to a query class by keyword hit
// count, falling back to general.
func ClassifyIntent(text string) Intent {
	lower := strings.ToLower(text)
	best := IntentGeneral
	bestHits := 0
	for _, intent := range intentPriority {
		hits := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = intent
			bestHits = hits
		}
	}
	return best
}
