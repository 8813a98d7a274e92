package pc

import "github.com/codership/galera-sub001/id"

// weightOf defaults to 1 only when a member has no instances entry at all,
// per spec.md: "Weights default to 1 if any member lacks an assigned
// weight." An explicit weight of 0 (a witness node) must be honored as
// zero, not promoted back to the default.
func weightOf(instances map[id.UUID]NodeState, member id.UUID) uint32 {
	if s, ok := instances[member]; ok {
		return s.Weight
	}
	return 1
}

func weightedSum(instances map[id.UUID]NodeState, members []id.UUID) uint64 {
	var sum uint64
	for _, m := range members {
		sum += uint64(weightOf(instances, m))
	}
	return sum
}

// QuorumVerdict is the outcome of evaluating spec.md's quorum inequality.
type QuorumVerdict int

const (
	QuorumHeld QuorumVerdict = iota
	QuorumSplitBrain
	QuorumLost
)

// EvaluateQuorum implements spec.md §4.3's quorum test:
//
//	weighted_sum(members) * 2 + weighted_sum(left) > weighted_sum(last_prim.members)
//
// Equality triggers split-brain; strictly less is quorum loss.
func EvaluateQuorum(instances map[id.UUID]NodeState, members, left, lastPrimMembers []id.UUID) QuorumVerdict {
	lhs := weightedSum(instances, members)*2 + weightedSum(instances, left)
	rhs := weightedSum(instances, lastPrimMembers)
	switch {
	case lhs > rhs:
		return QuorumHeld
	case lhs == rhs:
		return QuorumSplitBrain
	default:
		return QuorumLost
	}
}

// quorumSatisfied applies the ignore_sb/ignore_quorum policy overrides on
// top of the raw verdict.
func quorumSatisfied(verdict QuorumVerdict, ignoreSb, ignoreQuorum bool) bool {
	switch verdict {
	case QuorumHeld:
		return true
	case QuorumSplitBrain:
		return ignoreSb
	default:
		return ignoreQuorum
	}
}

// npvoWinner implements spec.md's newer-prim-view-override reconciliation
// between two partitions that both carry primary status of different
// last_prim ids: depending on the npvo policy flag, either the greater or
// the lesser last_prim view wins.
func npvoWinner(a, b id.ViewId, npvo bool) id.ViewId {
	greater := a
	if b.Seq > a.Seq || (b.Seq == a.Seq && b.Rep.Compare(a.Rep) > 0) {
		greater = b
	}
	lesser := a
	if greater == a {
		lesser = b
	}
	if npvo {
		return greater
	}
	return lesser
}
