package types

// SettlementMethod selects how the external processor moves value.
type SettlementMethod string

const (
	SettlementMethodMint     SettlementMethod = "mint"
	SettlementMethodTransfer SettlementMethod = "transfer"
)

// Settlement contexts tag why a movement was requested.
const (
	ContextBadgeClaim       = "badge_claim"
	ContextRSVP             = "rsvp"
	ContextRefund           = "refund"
	ContextOfferPublication = "offer_publication"
	ContextAttendanceReward = "attendance_reward"
)

// ReceiptStatus is the outcome an external processor reports.
type ReceiptStatus string

const (
	ReceiptStatusSuccess    ReceiptStatus = "success"
	ReceiptStatusFailure    ReceiptStatus = "failure"
	ReceiptStatusProcessing ReceiptStatus = "processing"
)

// Receipt acknowledges a settlement request.
type Receipt struct {
	RequestID     string        `json:"request_id"`
	SettlementRef string        `json:"settlement_ref,omitempty"`
	Status        ReceiptStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
}

// OutboxStatus represents delivery state of a queued settlement request.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEntry is a signed settlement request waiting for relay delivery.
type OutboxEntry struct {
	EventID       string       `json:"event_id"`
	OperationID   string       `json:"operation_id"`
	FromAccount   string       `json:"from_account,omitempty"`
	ToAccount     string       `json:"to_account"`
	Payload       string       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	LastError     *string      `json:"last_error,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	PublishedAt   *int64       `json:"published_at,omitempty"`
	NextAttemptAt int64        `json:"next_attempt_at"`
}
