// Package settlement plans the minimum-transaction set of transfers that
// would zero out a group's balances, with two-pass preference routing
// (spec §4.6).
//
// Grounded on no direct teacher equivalent; follows the same stdlib-only,
// explicit-struct idiom as internal/balance for the same reason: this is
// deterministic financial arithmetic, not a concern any retrieved library
// addresses.
package settlement

import (
	"math"
	"sort"

	"github.com/mpizenberg/partage/internal/balance"
	"github.com/mpizenberg/partage/internal/core"
)

// Transaction is one edge in a settlement plan.
type Transaction struct {
	From   core.MemberID
	To     core.MemberID
	Amount float64
}

// Plan is the result of GenerateSettlementPlan.
type Plan struct {
	Transactions     []Transaction
	TotalTransactions int
}

type ledger struct {
	id     core.MemberID
	amount float64 // positive magnitude
}

// GenerateSettlementPlan runs the two-pass greedy algorithm from spec §4.6:
// a preferred pass that routes debt to a debtor's declared preferred
// creditors first, then a greedy pass over whatever remains.
func GenerateSettlementPlan(balances map[core.MemberID]balance.Balance, preferences map[core.MemberID][]core.MemberID) Plan {
	debtors := make(map[core.MemberID]float64)  // positive magnitude owed
	creditors := make(map[core.MemberID]float64) // positive magnitude owed to them

	ids := make([]core.MemberID, 0, len(balances))
	for id := range balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		b := balances[id]
		if b.NetBalance < -balance.Epsilon {
			debtors[id] = -b.NetBalance
		} else if b.NetBalance > balance.Epsilon {
			creditors[id] = b.NetBalance
		}
	}

	var transactions []Transaction

	preferredDebtors := preferredDebtorsOf(debtors, preferences)

	sort.Slice(preferredDebtors, func(i, j int) bool { return preferredDebtors[i].amount < preferredDebtors[j].amount })
	for _, debtor := range preferredDebtors {
		remaining := debtor.amount
		for _, creditorID := range preferences[debtor.id] {
			if remaining <= balance.Epsilon {
				break
			}
			available := creditors[creditorID]
			if available <= balance.Epsilon {
				continue
			}
			amount := math.Min(remaining, available)
			amount = round2(amount)
			if amount <= 0 {
				continue
			}
			transactions = append(transactions, Transaction{From: debtor.id, To: creditorID, Amount: amount})
			remaining -= amount
			creditors[creditorID] -= amount
		}
		debtors[debtor.id] = remaining
	}

	// debtors now holds the post-preferred-pass remainder for every debtor
	// (preferred ones updated above, unpreferred ones untouched), so a
	// single pass over the full map is the remaining-debtor set for the
	// greedy pass — no separate preferred/unpreferred bookkeeping needed.
	remainingDebtors := remainingLedger(debtors)
	remainingCreditors := remainingLedger(creditors)

	transactions = append(transactions, greedyMatch(remainingDebtors, remainingCreditors)...)

	return Plan{Transactions: transactions, TotalTransactions: len(transactions)}
}

func preferredDebtorsOf(debtors map[core.MemberID]float64, preferences map[core.MemberID][]core.MemberID) []ledger {
	ids := make([]core.MemberID, 0, len(debtors))
	for id := range debtors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var preferred []ledger
	for _, id := range ids {
		if len(preferences[id]) > 0 {
			preferred = append(preferred, ledger{id: id, amount: debtors[id]})
		}
	}
	return preferred
}

func remainingLedger(amounts map[core.MemberID]float64) []ledger {
	ids := make([]core.MemberID, 0, len(amounts))
	for id := range amounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []ledger
	for _, id := range ids {
		amount := amounts[id]
		if amount > balance.Epsilon {
			out = append(out, ledger{id: id, amount: amount})
		}
	}
	return out
}

// greedyMatch pairs the largest remaining debtor against the largest
// remaining creditor repeatedly until all magnitudes fall below epsilon
// (spec §4.6's greedy pass).
func greedyMatch(debtors, creditors []ledger) []Transaction {
	sort.Slice(debtors, func(i, j int) bool {
		if debtors[i].amount != debtors[j].amount {
			return debtors[i].amount > debtors[j].amount
		}
		return debtors[i].id < debtors[j].id
	})
	sort.Slice(creditors, func(i, j int) bool {
		if creditors[i].amount != creditors[j].amount {
			return creditors[i].amount > creditors[j].amount
		}
		return creditors[i].id < creditors[j].id
	})

	var transactions []Transaction
	di, ci := 0, 0
	for di < len(debtors) && ci < len(creditors) {
		d, c := &debtors[di], &creditors[ci]
		if d.amount <= balance.Epsilon {
			di++
			continue
		}
		if c.amount <= balance.Epsilon {
			ci++
			continue
		}
		amount := round2(math.Min(d.amount, c.amount))
		if amount > 0 {
			transactions = append(transactions, Transaction{From: d.id, To: c.id, Amount: amount})
		}
		d.amount -= amount
		c.amount -= amount
	}
	return transactions
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
