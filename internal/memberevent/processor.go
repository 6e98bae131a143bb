// Package memberevent computes derived member state and the canonical-id
// alias map from a group's ordered member event stream (spec §4.4).
//
// The teacher has no membership concept to ground this against directly;
// it follows the repo's general idiom for pure derivation functions —
// plain functions over slices, deterministic sort-then-fold, and a typed
// validation result instead of a thrown exception (the same shape as the
// schema validator's boolean-plus-reason result).
package memberevent

import (
	"sort"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

// ValidationResult reports whether an event was valid and, if not, why
// (spec §9: exception-based control flow re-expressed as validation
// returning a boolean and a reason; the caller filters).
type ValidationResult struct {
	Valid  bool
	Reason string
}

// ComputeMemberStates applies events in timestamp order (ties broken by
// event id) and returns the final derived state per member (spec §4.4).
// Invalid events are skipped, never fatal.
func ComputeMemberStates(events []core.MemberEvent) map[core.MemberID]core.MemberState {
	ordered := sortedEvents(events)
	states := make(map[core.MemberID]core.MemberState)

	for _, evt := range ordered {
		result := validate(evt, states)
		if !result.Valid {
			continue
		}
		applyEvent(evt, states)
	}

	return states
}

func sortedEvents(events []core.MemberEvent) []core.MemberEvent {
	ordered := make([]core.MemberEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// validate checks the per-kind validity rules from spec §3: "rename is
// always valid; retire only on active; unretire only on retired; replace
// only on active."
func validate(evt core.MemberEvent, states map[core.MemberID]core.MemberState) ValidationResult {
	existing, known := states[evt.MemberID]

	switch evt.Kind {
	case core.MemberCreated:
		if known {
			return ValidationResult{Reason: "member already created"}
		}
		return ValidationResult{Valid: true}
	case core.MemberRenamed:
		if !known {
			return ValidationResult{Reason: "rename of unknown member"}
		}
		return ValidationResult{Valid: true}
	case core.MemberRetired:
		if !known || !existing.IsActive() {
			return ValidationResult{Reason: "retire only valid on an active member"}
		}
		return ValidationResult{Valid: true}
	case core.MemberUnretired:
		if !known || !existing.IsRetired {
			return ValidationResult{Reason: "unretire only valid on a retired member"}
		}
		return ValidationResult{Valid: true}
	case core.MemberReplaced:
		if !known || !existing.IsActive() {
			return ValidationResult{Reason: "replace only valid on an active member"}
		}
		return ValidationResult{Valid: true}
	default:
		return ValidationResult{Reason: "unknown event kind"}
	}
}

func applyEvent(evt core.MemberEvent, states map[core.MemberID]core.MemberState) {
	switch evt.Kind {
	case core.MemberCreated:
		states[evt.MemberID] = core.MemberState{
			MemberID:      evt.MemberID,
			Name:          evt.Name,
			IsVirtual:     evt.IsVirtual,
			PublicKey:     evt.PublicKey,
			SignPublicKey: evt.SignPublicKey,
		}
	case core.MemberRenamed:
		state := states[evt.MemberID]
		state.Name = evt.NewName
		states[evt.MemberID] = state
	case core.MemberRetired:
		state := states[evt.MemberID]
		state.IsRetired = true
		states[evt.MemberID] = state
	case core.MemberUnretired:
		state := states[evt.MemberID]
		state.IsRetired = false
		states[evt.MemberID] = state
	case core.MemberReplaced:
		state := states[evt.MemberID]
		state.IsReplaced = true
		state.ReplacedByID = evt.ReplacedByID
		states[evt.MemberID] = state
	}
}

// replacement records one member_replaced edge for cycle detection.
type replacement struct {
	eventID   string
	timestamp int64
	target    core.MemberID
}

// BuildCanonicalIDMap follows replacedById chains transitively to their
// terminal id, breaking cycles by treating the earliest replacement event
// (by timestamp, then id) in the cycle as the sink (spec §4.4).
func BuildCanonicalIDMap(events []core.MemberEvent) map[core.MemberID]core.MemberID {
	edges := make(map[core.MemberID]replacement)
	for _, evt := range events {
		if evt.Kind != core.MemberReplaced {
			continue
		}
		candidate := replacement{eventID: evt.ID, timestamp: evt.Timestamp, target: evt.ReplacedByID}
		existing, known := edges[evt.MemberID]
		if !known || candidate.timestamp < existing.timestamp ||
			(candidate.timestamp == existing.timestamp && candidate.eventID < existing.eventID) {
			edges[evt.MemberID] = candidate
		}
	}

	canonical := make(map[core.MemberID]core.MemberID, len(edges))
	for member := range edges {
		canonical[member] = resolve(member, edges)
	}
	return canonical
}

func resolve(start core.MemberID, edges map[core.MemberID]replacement) core.MemberID {
	path := []core.MemberID{start}
	index := map[core.MemberID]int{start: 0}
	current := start

	for {
		edge, ok := edges[current]
		if !ok {
			return current
		}
		next := edge.target
		if pos, seen := index[next]; seen {
			// Cycle: only the nodes from next's first occurrence onward form
			// the actual cycle. Earlier nodes are a non-cyclic prefix chain
			// into it and must not be treated as cycle candidates.
			cycleMembers := make(map[core.MemberID]bool, len(path)-pos)
			for _, member := range path[pos:] {
				cycleMembers[member] = true
			}
			return earliestInCycle(start, edges, cycleMembers)
		}
		index[next] = len(path)
		path = append(path, next)
		current = next
	}
}

func earliestInCycle(start core.MemberID, edges map[core.MemberID]replacement, cycleMembers map[core.MemberID]bool) core.MemberID {
	var sink core.MemberID
	var sinkEdge replacement
	first := true

	for member := range cycleMembers {
		edge, ok := edges[member]
		if !ok {
			continue
		}
		if first || edge.timestamp < sinkEdge.timestamp ||
			(edge.timestamp == sinkEdge.timestamp && edge.eventID < sinkEdge.eventID) {
			sink = member
			sinkEdge = edge
			first = false
		}
	}
	if first {
		return start
	}
	return sink
}

// Resolve returns canonicalMap[id] if present, else id itself (most
// members are never replaced and so never appear in the map).
func Resolve(canonicalMap map[core.MemberID]core.MemberID, id core.MemberID) core.MemberID {
	if canon, ok := canonicalMap[id]; ok {
		return canon
	}
	return id
}

// NewInvalidMemberEvent wraps a failed validation into the shared error
// taxonomy, for callers that want to log rather than silently drop.
func NewInvalidMemberEvent(evt core.MemberEvent, result ValidationResult) error {
	return ledgererr.InvalidMemberEvent{EventID: evt.ID, Reason: result.Reason}
}
