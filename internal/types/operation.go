package types

import "time"

// OperationType names the kind of value movement an operation requests.
type OperationType string

const (
	OperationTypeMint     OperationType = "mint"
	OperationTypeTransfer OperationType = "transfer"
	OperationTypeRSVP     OperationType = "rsvp"
	OperationTypeClaim    OperationType = "claim"
)

// Valid reports whether the type is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OperationTypeMint, OperationTypeTransfer, OperationTypeRSVP, OperationTypeClaim:
		return true
	default:
		return false
	}
}

// OperationStatus represents operation lifecycle state.
type OperationStatus string

const (
	OperationStatusQueued     OperationStatus = "queued"
	OperationStatusProcessing OperationStatus = "processing"
	OperationStatusConfirmed  OperationStatus = "confirmed"
	OperationStatusFailed     OperationStatus = "failed"
)

// Valid reports whether the status is part of the operation lifecycle.
func (s OperationStatus) Valid() bool {
	switch s {
	case OperationStatusQueued, OperationStatusProcessing, OperationStatusConfirmed, OperationStatusFailed:
		return true
	default:
		return false
	}
}

// Pending reports whether the operation still waits on settlement.
func (s OperationStatus) Pending() bool {
	return s == OperationStatusQueued || s == OperationStatusProcessing
}

// Operation is one requested unit of value movement. Records are immutable
// once appended to a journal; a change is a new record sharing ID.
type Operation struct {
	ID            string          `json:"id"`
	Type          OperationType   `json:"type"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to"`
	Amount        int64           `json:"amount"`
	Status        OperationStatus `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	SettlementRef *string         `json:"settlementRef,omitempty"`
	Error         *string         `json:"error,omitempty"`
}

// OperationPatch describes a status transition merged into a copy of an
// operation. Nil fields are left untouched; Clear* fields remove values.
type OperationPatch struct {
	Status             *OperationStatus
	ProcessedAt        *time.Time
	SettlementRef      *string
	Error              *string
	ClearProcessedAt   bool
	ClearSettlementRef bool
	ClearError         bool
}

// Apply returns a copy of op with the patch merged in.
func (p OperationPatch) Apply(op Operation) Operation {
	next := op
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.ClearProcessedAt {
		next.ProcessedAt = nil
	} else if p.ProcessedAt != nil {
		value := *p.ProcessedAt
		next.ProcessedAt = &value
	}
	if p.ClearSettlementRef {
		next.SettlementRef = nil
	} else if p.SettlementRef != nil {
		value := *p.SettlementRef
		next.SettlementRef = &value
	}
	if p.ClearError {
		next.Error = nil
	} else if p.Error != nil {
		value := *p.Error
		next.Error = &value
	}
	return next
}

// Balance is the derived token position of one account.
type Balance struct {
	AccountID string `json:"account_id"`
	Confirmed int64  `json:"confirmed"`
	Pending   int64  `json:"pending"`
	Total     int64  `json:"total"`
}
