package ledger

import "github.com/adamavenir/tally/internal/types"

// Compute derives the balance of accountID from a deduplicated operation set.
// Credits are operations addressed to the account, debits those sent from it.
// Failed operations count toward nothing.
func Compute(accountID string, ops []types.Operation) types.Balance {
	balance := types.Balance{AccountID: accountID}
	for _, op := range ops {
		delta := int64(0)
		if op.To == accountID {
			delta += op.Amount
		}
		if op.From == accountID {
			delta -= op.Amount
		}
		if delta == 0 {
			continue
		}
		switch {
		case op.Status == types.OperationStatusConfirmed:
			balance.Confirmed += delta
		case op.Status.Pending():
			balance.Pending += delta
		}
	}
	balance.Total = balance.Confirmed + balance.Pending
	return balance
}
