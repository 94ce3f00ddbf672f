package arbiter

import (
	"sort"
	"time"

	"github.com/lecoder-ai/mconnect/src/store"
)

// rank maps a priority to its position in the total order. Lower wins.
func rank(p store.Priority) int {
	switch p {
	case store.PriorityExclusive:
		return 0
	case store.PriorityHigh:
		return 1
	case store.PriorityNormal:
		return 2
	case store.PriorityLow:
		return 3
	default: // observer
		return 4
	}
}

// typeRank breaks priority ties: PC ahead of mobile.
func typeRank(t store.ClientType) int {
	if t == store.ClientPC {
		return 0
	}
	return 1
}

type member struct {
	id         string
	clientType store.ClientType
	priority   store.Priority
	joinedAt   time.Time
}

// activeOwner returns the client that currently heads the priority order:
// (priority rank, PC before mobile, ascending join time). Observers are
// excluded from ownership but stay registered for broadcast.
func activeOwner(members []member) string {
	candidates := members[:0:0]
	for _, m := range members {
		if m.priority != store.PriorityObserver {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := rank(a.priority), rank(b.priority); ra != rb {
			return ra < rb
		}
		if ta, tb := typeRank(a.clientType), typeRank(b.clientType); ta != tb {
			return ta < tb
		}
		return a.joinedAt.Before(b.joinedAt)
	})
	return candidates[0].id
}
