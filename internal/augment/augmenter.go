// Package augment enriches a turn with live facts from the read-only
// business database. A deterministic keyword classifier routes the turn to
// registered SQL queries; results carry full provenance so replies can cite
// the exact rows behind every claim.
package augment

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

// Augmenter dispatches registered queries for the entities in a turn.
type Augmenter struct {
	domain     *store.DomainDB
	slaAgeDays int
	timeout    time.Duration
}

// New builds an augmenter. domain may be nil, in which case Augment always
// returns no facts. slaAgeDays is the open-task age beyond which SLA risk
// is flagged.
func New(domain *store.DomainDB, slaAgeDays int, timeout time.Duration) *Augmenter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if slaAgeDays <= 0 {
		slaAgeDays = 7
	}
	return &Augmenter{domain: domain, slaAgeDays: slaAgeDays, timeout: timeout}
}

// Augment runs every query registered for the intent against each entity
// backed by a domain row, in parallel. A failing query is logged and
// dropped; the rest of the turn proceeds with whatever facts arrived.
func (a *Augmenter) Augment(ctx context.Context, intent Intent, entities []*memory.CanonicalEntity) []DomainFact {
	timer := logging.StartTimer(logging.CategoryAugment, "Augment")
	defer timer.Stop()

	if a.domain == nil {
		return nil
	}

	var customerIDs []string
	for _, e := range entities {
		if e.ExternalRef != nil && e.ExternalRef.Table == "customers" {
			customerIDs = append(customerIDs, e.ExternalRef.ID)
		}
	}
	if len(customerIDs) == 0 {
		logging.AugmentDebug("No domain-backed entities in turn, skipping augmentation")
		return nil
	}

	var queries []domainQuery
	for _, q := range registry {
		for _, qi := range q.Intents {
			if qi == intent {
				queries = append(queries, q)
				break
			}
		}
	}
	logging.Augment("Dispatching %d queries for intent=%s across %d customers", len(queries), intent, len(customerIDs))

	qctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var mu sync.Mutex
	var facts []DomainFact
	eg, gctx := errgroup.WithContext(qctx)
	for _, q := range queries {
		for _, cid := range customerIDs {
			q, cid := q, cid
			eg.Go(func() error {
				got, err := q.Run(gctx, a.domain, queryParams{CustomerID: cid, SLAAgeDays: a.slaAgeDays})
				if err != nil {
					logging.Get(logging.CategoryAugment).Warn("Query %s failed for customer %s: %v", q.Name, cid, err)
					return nil
				}
				mu.Lock()
				facts = append(facts, got...)
				mu.Unlock()
				return nil
			})
		}
	}
	eg.Wait()

	// Deterministic order for prompt assembly.
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Query != facts[j].Query {
			return facts[i].Query < facts[j].Query
		}
		return facts[i].RowID < facts[j].RowID
	})
	logging.AugmentDebug("Augmentation produced %d facts", len(facts))
	return facts
}
