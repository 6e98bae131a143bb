// Package balance computes deterministic, cent-precise net balances from a
// group's active entries (spec §4.5).
//
// Grounded on no direct teacher equivalent — deterministic financial
// arithmetic is new domain logic — but follows the repo's preference for
// explicit structs over generic containers and integer arithmetic for
// anything money-shaped. Intentionally stdlib-only: cent-precision
// determinism wants integer arithmetic, not a decimal/money library, and no
// such library appears anywhere in the retrieved pack to ground one on.
package balance

import (
	"math"
	"sort"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/memberevent"
)

// Balance is one canonical member's running position (spec §4.5).
type Balance struct {
	TotalPaid  float64
	TotalOwed  float64
	NetBalance float64
}

// IsSettled reports whether a balance is within the settlement epsilon of
// zero (spec §4.6: `isBalanceSettled(b) := |b.netBalance| < 0.01`).
func IsSettled(b Balance) bool {
	return math.Abs(b.NetBalance) < Epsilon
}

// Epsilon is the settlement tolerance used throughout balance/settlement
// comparisons (spec §4.6).
const Epsilon = 0.01

// CalculateBalances folds every active entry into per-canonical-member
// totals (spec §4.5). Entries must already be filtered to status=active by
// the caller (entrystore.GetActiveEntries / the incremental state manager).
func CalculateBalances(activeEntries []core.Entry, canonicalMap map[core.MemberID]core.MemberID) map[core.MemberID]Balance {
	balances := make(map[core.MemberID]Balance)
	for _, entry := range activeEntries {
		ApplyEntryDelta(balances, entry, canonicalMap, +1)
	}
	return balances
}

// ApplyEntryDelta adds (sign=+1) or removes (sign=-1) one entry's
// contribution to balances in place. This is the commutative building
// block the incremental state manager (spec §4.8) relies on: applying
// +delta(new) and -delta(old) in any order converges to the same totals.
func ApplyEntryDelta(balances map[core.MemberID]Balance, entry core.Entry, canonicalMap map[core.MemberID]core.MemberID, sign float64) {
	amount := entry.EffectiveAmount()

	switch entry.Type {
	case core.EntryTypeExpense:
		applyExpenseDelta(balances, entry, amount, canonicalMap, sign)
	case core.EntryTypeTransfer:
		addPaid(balances, memberevent.Resolve(canonicalMap, entry.From), amount*sign)
		addOwed(balances, memberevent.Resolve(canonicalMap, entry.To), amount*sign)
	}
}

func applyExpenseDelta(balances map[core.MemberID]Balance, entry core.Entry, amount float64, canonicalMap map[core.MemberID]core.MemberID, sign float64) {
	sumNativePayers := 0.0
	for _, p := range entry.Payers {
		sumNativePayers += p.Amount
	}
	if sumNativePayers != 0 {
		for _, p := range entry.Payers {
			payerDefault := p.Amount * amount / sumNativePayers
			addPaid(balances, memberevent.Resolve(canonicalMap, p.MemberID), payerDefault*sign)
		}
	}

	splits := CalculateSplits(entry.Beneficiaries, amount, canonicalMap)
	for memberID, splitAmount := range splits {
		addOwed(balances, memberevent.Resolve(canonicalMap, memberID), splitAmount*sign)
	}
}

func addPaid(balances map[core.MemberID]Balance, id core.MemberID, delta float64) {
	b := balances[id]
	b.TotalPaid += delta
	b.NetBalance = b.TotalPaid - b.TotalOwed
	balances[id] = b
}

func addOwed(balances map[core.MemberID]Balance, id core.MemberID, delta float64) {
	b := balances[id]
	b.TotalOwed += delta
	b.NetBalance = b.TotalPaid - b.TotalOwed
	balances[id] = b
}

// CalculateSplits distributes amount across beneficiaries per spec §4.5's
// `calculate_splits`: exact amounts assigned directly, the remainder
// distributed by shares in integer cents with beneficiaries sorted by
// canonical member id (not raw id) for deterministic remainder assignment,
// since a replaced member's alias can sort differently than its sink.
func CalculateSplits(beneficiaries []core.Beneficiary, amount float64, canonicalMap map[core.MemberID]core.MemberID) map[core.MemberID]float64 {
	splits := make(map[core.MemberID]float64, len(beneficiaries))

	exactTotal := 0.0
	var shareBeneficiaries []core.Beneficiary
	for _, b := range beneficiaries {
		if b.SplitType == core.SplitExact {
			splits[b.MemberID] += b.Amount
			exactTotal += b.Amount
		} else {
			shareBeneficiaries = append(shareBeneficiaries, b)
		}
	}

	remaining := amount - exactTotal
	totalShares := 0
	for _, b := range shareBeneficiaries {
		totalShares += b.Shares
	}
	if totalShares == 0 {
		return splits
	}

	sort.Slice(shareBeneficiaries, func(i, j int) bool {
		return memberevent.Resolve(canonicalMap, shareBeneficiaries[i].MemberID) < memberevent.Resolve(canonicalMap, shareBeneficiaries[j].MemberID)
	})

	cents := int64(math.Round(remaining * 100))
	perShareCents := cents / int64(totalShares)
	remainderCents := cents - perShareCents*int64(totalShares)

	for _, b := range shareBeneficiaries {
		shareCents := perShareCents * int64(b.Shares)
		extra := remainderCents
		if extra > int64(b.Shares) {
			extra = int64(b.Shares)
		}
		shareCents += extra
		remainderCents -= extra

		splits[b.MemberID] += float64(shareCents) / 100.0
	}

	return splits
}
