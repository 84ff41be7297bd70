package inventory

import (
	"context"
	"sort"
)

// Mismatch is a key whose stored quantity disagrees with the signed sum of
// its ledger deltas.
type Mismatch struct {
	Key    Key   `json:"key"`
	Stored int64 `json:"stored"`
	Ledger int64 `json:"ledger"`
}

// Reconcile compares every record with the ledger. Movements committed
// between the two reads show up as transient mismatches; callers confirm
// with a second pass.
func Reconcile(ctx context.Context, store Store, ledger Ledger) ([]Mismatch, error) {
	records, err := store.Snapshot(ctx)
	if err != nil {
		return nil, persistenceError("snapshot", err)
	}
	balances, err := ledger.Balances(ctx)
	if err != nil {
		return nil, persistenceError("ledger balances", err)
	}
	var out []Mismatch
	for _, rec := range records {
		sum, ok := balances[rec.Key]
		delete(balances, rec.Key)
		if ok && sum == rec.QuantityOnHand {
			continue
		}
		out = append(out, Mismatch{Key: rec.Key, Stored: rec.QuantityOnHand, Ledger: sum})
	}
	for k, sum := range balances {
		if sum != 0 {
			out = append(out, Mismatch{Key: k, Ledger: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}
