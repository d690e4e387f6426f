package engine

import (
	"sort"

	"github.com/google/uuid"

	"github.com/setforge-ai/setforge/internal/model"
)

// ResolveReplacements returns the ids of existing cards that a candidate card
// supersedes: every other non-terminal card sharing the candidate's
// replacement class and lane. Side-effect free; the caller expires the
// returned cards in the same transaction that creates the candidate.
func ResolveReplacements(existing []model.Card, candidate model.Card) []uuid.UUID {
	class := candidate.Type.ReplacementClass()
	if class == "" {
		return nil
	}

	var expire []uuid.UUID
	for _, c := range existing {
		if c.ID == candidate.ID || c.Status.Terminal() {
			continue
		}
		if c.Type.ReplacementClass() == class && c.Lane == candidate.Lane {
			expire = append(expire, c.ID)
		}
	}
	return expire
}

// TrimUpNext enforces the upNext capacity bound. When the list exceeds
// model.UpNextCap, the lowest-priority entries are evicted first, ties broken
// by oldest CreatedAt. The relative order of kept entries is preserved.
func TrimUpNext(refs []model.UpNextRef) (kept []model.UpNextRef, evicted []model.UpNextRef) {
	if len(refs) <= model.UpNextCap {
		return refs, nil
	}

	// Rank candidates for eviction: lowest priority first, oldest first.
	byEvictionOrder := make([]model.UpNextRef, len(refs))
	copy(byEvictionOrder, refs)
	sort.SliceStable(byEvictionOrder, func(i, j int) bool {
		a, b := byEvictionOrder[i], byEvictionOrder[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	drop := make(map[uuid.UUID]bool, len(refs)-model.UpNextCap)
	for _, r := range byEvictionOrder[:len(refs)-model.UpNextCap] {
		drop[r.CardID] = true
	}

	kept = make([]model.UpNextRef, 0, model.UpNextCap)
	for _, r := range refs {
		if drop[r.CardID] {
			evicted = append(evicted, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, evicted
}
