// Package mining learns procedural heuristics from episodic history: when a
// turn with certain features keeps being followed by the same kind of
// activity, that sequence becomes a trigger -> action memory the engine can
// use to pre-select augmentation queries.
package mining

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

// Miner counts feature-sequence windows over the unarchived episodic pool.
type Miner struct {
	store *store.Store
	cfg   config.MiningConfig
}

// New builds a miner.
func New(s *store.Store, cfg config.MiningConfig) *Miner {
	return &Miner{store: s, cfg: cfg}
}

// Features derives the trigger feature vector of an episodic memory:
// its event type plus the sorted set of entity types involved.
func Features(m *memory.EpisodicMemory) memory.TriggerFeatures {
	seen := make(map[string]bool)
	var types []string
	for _, e := range m.Entities {
		if !seen[e.EntityType] {
			seen[e.EntityType] = true
			types = append(types, e.EntityType)
		}
	}
	sort.Strings(types)
	return memory.TriggerFeatures{Intent: m.EventType, EntityTypes: types}
}

// Mine counts windows of two consecutive episodic memories per session and
// persists every sequence meeting the support threshold. Re-mining an
// already known pattern reinforces it instead of duplicating.
func (mn *Miner) Mine(ctx context.Context, userID string) ([]*memory.ProceduralMemory, error) {
	timer := logging.StartTimer(logging.CategoryMining, "Mine")
	defer timer.Stop()

	episodic, err := mn.store.ListEpisodicByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	// Chronological order within each session.
	bySession := make(map[string][]*memory.EpisodicMemory)
	for _, m := range episodic {
		bySession[m.SessionID] = append(bySession[m.SessionID], m)
	}
	for _, mems := range bySession {
		sort.Slice(mems, func(i, j int) bool { return mems[i].CreatedAt.Before(mems[j].CreatedAt) })
	}

	type window struct {
		trigger memory.TriggerFeatures
		action  []string
	}
	counts := make(map[string]*struct {
		window
		n int
	})
	totalWindows := 0
	for _, mems := range bySession {
		for i := 0; i+1 < len(mems); i++ {
			a, b := mems[i], mems[i+1]
			trigger := Features(a)
			action := actionStructure(b)
			key := trigger.Key() + "=>" + fmt.Sprint(action)
			totalWindows++
			if c, ok := counts[key]; ok {
				c.n++
				continue
			}
			counts[key] = &struct {
				window
				n int
			}{window{trigger: trigger, action: action}, 1}
		}
	}
	if totalWindows == 0 {
		logging.MiningDebug("No sequence windows for user %s", userID)
		return nil, nil
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mined []*memory.ProceduralMemory
	for _, key := range keys {
		c := counts[key]
		if c.n < mn.cfg.MinSupport {
			continue
		}
		if mn.cfg.MaxPatterns > 0 && len(mined) >= mn.cfg.MaxPatterns {
			break
		}
		conf := float64(c.n) / float64(totalWindows)
		if conf > 0.95 {
			conf = 0.95
		}
		pm := &memory.ProceduralMemory{
			UserID:          userID,
			TriggerPattern:  key,
			TriggerFeatures: c.trigger,
			ActionStructure: c.action,
			ObservedCount:   c.n,
			Confidence:      conf,
			CreatedAt:       time.Now().UTC(),
		}
		// Never shrink a pattern that earlier runs observed more often.
		if existing, err := mn.store.GetProceduralByPattern(ctx, userID, key); err != nil {
			return nil, err
		} else if existing != nil && existing.ObservedCount > pm.ObservedCount {
			pm.ObservedCount = existing.ObservedCount
			pm.Confidence = existing.Confidence
		}
		if err := mn.store.UpsertProcedural(ctx, pm); err != nil {
			return nil, err
		}
		mined = append(mined, pm)
	}

	logging.Mining("Mined %d patterns from %d windows for user %s", len(mined), totalWindows, userID)
	return mined, nil
}

// actionStructure renders what followed the trigger: the follow-up event
// type plus the entity types it touched.
func actionStructure(b *memory.EpisodicMemory) []string {
	out := []string{b.EventType}
	f := Features(b)
	out = append(out, f.EntityTypes...)
	return out
}
