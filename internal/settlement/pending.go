package settlement

import (
	"sort"

	"github.com/adamavenir/tally/internal/db"
	"github.com/adamavenir/tally/internal/types"
)

// PendingOperations lists queued and processing operations across every
// journal whose account matches. Mirrored transfers are reported once, under
// the recipient. A nil match accepts every account.
func PendingOperations(journal *db.Journal, match func(accountID string) bool) ([]types.Operation, error) {
	accounts, err := journal.Accounts()
	if err != nil {
		return nil, err
	}
	var pending []types.Operation
	for _, account := range accounts {
		if match != nil && !match(account) {
			continue
		}
		ops, err := journal.LoadDeduplicated(account)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.To != account || !op.Status.Pending() {
				continue
			}
			pending = append(pending, op)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}
