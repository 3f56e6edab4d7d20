package types

import "time"

// OfferStatus represents offer lifecycle state.
type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusTentative OfferStatus = "tentative"
	OfferStatusConfirmed OfferStatus = "confirmed"
	OfferStatusCancelled OfferStatus = "cancelled"
)

// OfferTypePrivate offers only refund their publication cost when cancelled
// well ahead of the start time.
const OfferTypePrivate = "private"

// Offer is a proposed activity. Offers are never deleted; status holds history.
type Offer struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Title             string      `json:"title,omitempty"`
	Status            OfferStatus `json:"status"`
	Authors           []string    `json:"authors"`
	MinRSVPs          int         `json:"minRsvps"`
	RSVPCount         int         `json:"rsvpCount"`
	PublicationCost   int64       `json:"publicationCost"`
	RewardPerAttendee int64       `json:"rewardPerAttendee"`
	StartTime         time.Time   `json:"startTime"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	ConfirmedAt       *time.Time  `json:"confirmedAt,omitempty"`
	CancelledAt       *time.Time  `json:"cancelledAt,omitempty"`
	RewardedAt        *time.Time  `json:"rewardedAt,omitempty"`
}

// PrimaryAuthor returns the first author, who pays and receives tokens.
func (o Offer) PrimaryAuthor() string {
	if len(o.Authors) == 0 {
		return ""
	}
	return o.Authors[0]
}

// IsAuthor reports whether accountID is listed among the authors.
func (o Offer) IsAuthor(accountID string) bool {
	for _, author := range o.Authors {
		if author == accountID {
			return true
		}
	}
	return false
}

// RSVPStatus represents RSVP lifecycle state.
type RSVPStatus string

const (
	RSVPStatusActive    RSVPStatus = "active"
	RSVPStatusCancelled RSVPStatus = "cancelled"
)

// RSVP is one account's attendance claim on one offer.
type RSVP struct {
	OfferID    string     `json:"offerId"`
	AccountID  string     `json:"accountId"`
	Status     RSVPStatus `json:"status"`
	TokensPaid int64      `json:"tokensPaid"`
	CreatedAt  time.Time  `json:"createdAt"`
}
