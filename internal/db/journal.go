package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/adamavenir/tally/internal/ledger"
	"github.com/adamavenir/tally/internal/types"
	"go.uber.org/zap"
)

// Journal is the append-only, per-account log of settlement operations.
// Every account owns one JSONL file; status changes are re-appended records
// that share the operation id, and readers fold the file back into state.
type Journal struct {
	dir    string
	locks  *Locker
	logger *zap.Logger

	// Now overrides the clock used for compaction cutoffs.
	Now func() time.Time
}

// NewJournal creates a journal rooted at dataDir/journals.
func NewJournal(dataDir string, locks *Locker, logger *zap.Logger) *Journal {
	if locks == nil {
		locks = NewLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		dir:    filepath.Join(dataDir, journalsDir),
		locks:  locks,
		logger: logger,
	}
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func lockKey(accountID string) string {
	return "journal:" + accountID
}

// Path returns the journal file for accountID.
func (j *Journal) Path(accountID string) (string, error) {
	name, err := fileName(accountID)
	if err != nil {
		return "", fmt.Errorf("journal path: %w", err)
	}
	return filepath.Join(j.dir, name), nil
}

func validateOperation(op types.Operation) error {
	if op.ID == "" {
		return errors.New("operation id is required")
	}
	if op.To == "" {
		return errors.New("operation recipient is required")
	}
	if op.Amount <= 0 {
		return types.ErrInvalidAmount
	}
	if !op.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if !op.Status.Valid() {
		return fmt.Errorf("unknown operation status %q", op.Status)
	}
	if op.CreatedAt.IsZero() {
		return errors.New("operation createdAt is required")
	}
	return nil
}

// Append writes one operation record to the account journal. Prior lines are
// never touched; re-appending an identical record is harmless because
// duplicates collapse at read time.
func (j *Journal) Append(accountID string, op types.Operation) error {
	if err := validateOperation(op); err != nil {
		return err
	}
	path, err := j.Path(accountID)
	if err != nil {
		return err
	}
	return appendJSONLine(path, op)
}

// Load returns every parseable record in append order.
func (j *Journal) Load(accountID string) ([]types.Operation, error) {
	path, err := j.Path(accountID)
	if err != nil {
		return nil, err
	}
	ops, skipped, err := readJSONLFile[types.Operation](path)
	if err != nil {
		return nil, fmt.Errorf("load journal %s: %w", accountID, err)
	}
	if skipped > 0 {
		j.logger.Warn("skipped unparseable journal lines",
			zap.String("account", accountID),
			zap.Int("skipped", skipped),
		)
	}
	return ops, nil
}

// LoadDeduplicated returns the authoritative operation set: the latest
// record per operation id.
func (j *Journal) LoadDeduplicated(accountID string) ([]types.Operation, error) {
	ops, err := j.Load(accountID)
	if err != nil {
		return nil, err
	}
	return ledger.Operations(ops), nil
}

// Get returns the current state of one operation.
func (j *Journal) Get(accountID, id string) (types.Operation, error) {
	ops, err := j.LoadDeduplicated(accountID)
	if err != nil {
		return types.Operation{}, err
	}
	op, ok := ledger.Find(ops, id)
	if !ok {
		return types.Operation{}, fmt.Errorf("%w: %s", types.ErrOperationNotFound, id)
	}
	return op, nil
}

// Balance derives the account balance from its journal.
func (j *Journal) Balance(accountID string) (types.Balance, error) {
	ops, err := j.LoadDeduplicated(accountID)
	if err != nil {
		return types.Balance{}, err
	}
	return ledger.Compute(accountID, ops), nil
}

// UpdateStatus merges patch into the current record of id and appends the
// result. It never creates operations.
func (j *Journal) UpdateStatus(accountID, id string, patch types.OperationPatch) (types.Operation, error) {
	unlock := j.locks.Lock(lockKey(accountID))
	defer unlock()
	return j.updateLocked(accountID, id, func(current types.Operation) (types.Operation, error) {
		return patch.Apply(current), nil
	})
}

// Retry moves a failed operation back to queued, clearing its settlement
// outcome.
func (j *Journal) Retry(accountID, id string) (types.Operation, error) {
	unlock := j.locks.Lock(lockKey(accountID))
	defer unlock()
	return j.updateLocked(accountID, id, func(current types.Operation) (types.Operation, error) {
		if current.Status != types.OperationStatusFailed {
			return types.Operation{}, fmt.Errorf("%w: retry from %s", types.ErrInvalidStateTransition, current.Status)
		}
		queued := types.OperationStatusQueued
		return types.OperationPatch{
			Status:             &queued,
			ClearError:         true,
			ClearSettlementRef: true,
			ClearProcessedAt:   true,
		}.Apply(current), nil
	})
}

// updateLocked keeps the original createdAt so the appended copy wins replay
// through append order.
func (j *Journal) updateLocked(accountID, id string, change func(types.Operation) (types.Operation, error)) (types.Operation, error) {
	current, err := j.Get(accountID, id)
	if err != nil {
		return types.Operation{}, err
	}
	next, err := change(current)
	if err != nil {
		return types.Operation{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if err := j.Append(accountID, next); err != nil {
		return types.Operation{}, err
	}
	return next, nil
}

// Compact rewrites the journal dropping operations whose latest record is
// confirmed and older than retentionDays. Operations that are still queued,
// processing, or failed are kept with their full history. It returns the
// number of lines removed.
func (j *Journal) Compact(accountID string, retentionDays int) (int, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention days must not be negative: %d", retentionDays)
	}
	unlock := j.locks.Lock(lockKey(accountID))
	defer unlock()

	path, err := j.Path(accountID)
	if err != nil {
		return 0, err
	}
	lines, err := readJSONLLines(path)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, nil
	}

	type parsedLine struct {
		raw string
		op  *types.Operation
	}
	parsed := make([]parsedLine, 0, len(lines))
	ops := make([]types.Operation, 0, len(lines))
	for _, line := range lines {
		var op types.Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			parsed = append(parsed, parsedLine{raw: line})
			continue
		}
		parsed = append(parsed, parsedLine{raw: line, op: &op})
		ops = append(ops, op)
	}

	cutoff := j.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	drop := make(map[string]bool)
	for _, op := range ledger.Operations(ops) {
		if op.Status == types.OperationStatusConfirmed && op.CreatedAt.Before(cutoff) {
			drop[op.ID] = true
		}
	}

	kept := make([]string, 0, len(parsed))
	removed := 0
	for _, line := range parsed {
		// Unparseable lines carry no state; compaction is where they go away.
		if line.op == nil || drop[line.op.ID] {
			removed++
			continue
		}
		kept = append(kept, line.raw)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := rewriteJSONLFile(path, kept); err != nil {
		return 0, err
	}
	j.logger.Info("compacted journal",
		zap.String("account", accountID),
		zap.Int("removed", removed),
		zap.Int("kept", len(kept)),
	)
	return removed, nil
}

// Accounts lists every account that has a journal file.
func (j *Journal) Accounts() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	accounts := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := idFromFileName(entry.Name()); ok {
			accounts = append(accounts, id)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// Dir returns the directory holding journal files.
func (j *Journal) Dir() string {
	return j.dir
}
