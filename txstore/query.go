package txstore

import (
	"github.com/ethereum/go-ethereum/common"
)

// Query selects records. The zero value matches every record on the active network.
type Query struct {
	// Statuses keeps records whose status is one of these, empty means any
	Statuses []Status

	// ChainID and NetworkID override the active network when set
	ChainID   *uint64
	NetworkID *string
	// AllNetworks disables network scoping entirely
	AllNetworks bool

	// From keeps records sent from this address
	From *common.Address

	// Predicates must all hold for a record to match
	Predicates []func(r *Record) bool

	// Limit caps the number of distinct nonces returned, keeping the most
	// recent ones. Every record of a kept nonce is returned. Zero means no limit.
	Limit int
}

// Query returns copies of the matching records ordered by time ascending
func (s *Store) Query(q Query) []*Record {
	s.mu.RLock()
	sorted := s.sortedLocked()
	chainID, networkID := s.activeChainID, s.activeNetworkID
	s.mu.RUnlock()

	if q.ChainID != nil {
		chainID = *q.ChainID
	}
	if q.NetworkID != nil {
		networkID = *q.NetworkID
	}

	matched := make([]*Record, 0, len(sorted))
	for _, r := range sorted {
		if !q.AllNetworks && !matchesNetwork(r, chainID, networkID) {
			continue
		}
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, r.Status) {
			continue
		}
		if q.From != nil && r.TxParams.From != *q.From {
			continue
		}
		if !matchesAll(q.Predicates, r) {
			continue
		}
		matched = append(matched, r)
	}

	if q.Limit > 0 {
		matched = limitByNonce(matched, q.Limit)
	}

	out := make([]*Record, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out
}

func matchesNetwork(r *Record, chainID uint64, networkID string) bool {
	if chainID != 0 && r.ChainID != chainID {
		return false
	}
	if networkID != "" && r.NetworkID != "" && r.NetworkID != networkID {
		return false
	}
	return true
}

func hasStatus(statuses []Status, status Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func matchesAll(predicates []func(r *Record) bool, r *Record) bool {
	for _, p := range predicates {
		if !p(r) {
			return false
		}
	}
	return true
}

// limitByNonce keeps the records belonging to the limit most recent distinct
// nonces. A record without a nonce counts as its own group.
func limitByNonce(sorted []*Record, limit int) []*Record {
	type groupKey struct {
		nonce uint64
		id    string
	}
	keyOf := func(r *Record) groupKey {
		if n, ok := r.TxParams.NonceValue(); ok {
			return groupKey{nonce: n}
		}
		return groupKey{id: r.ID}
	}

	kept := make(map[groupKey]struct{}, limit)
	for i := len(sorted) - 1; i >= 0 && len(kept) < limit; i-- {
		kept[keyOf(sorted[i])] = struct{}{}
	}

	out := make([]*Record, 0, len(sorted))
	for _, r := range sorted {
		if _, ok := kept[keyOf(r)]; ok {
			out = append(out, r)
		}
	}
	return out
}
