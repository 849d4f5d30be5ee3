package event

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Type enumerates the commerce notifications the pipeline acts on.
type Type string

const (
	TypePurchaseCompleted Type = "PURCHASE_COMPLETED"
	TypeOrderCancelled    Type = "ORDER_CANCELLED"
	TypeRefundIssued      Type = "REFUND_ISSUED"
)

// EligibleAttribute marks a line item as granting an entitlement.
const EligibleAttribute = "entitlement_eligible"

var ErrMalformed = errors.New("malformed event")

func (t Type) Valid() bool {
	switch t {
	case TypePurchaseCompleted, TypeOrderCancelled, TypeRefundIssued:
		return true
	}
	return false
}

// Revokes reports whether events of this type take entitlements away.
func (t Type) Revokes() bool {
	return t == TypeOrderCancelled || t == TypeRefundIssued
}

// SubjectRef is one purchased line item.
type SubjectRef struct {
	SubjectID  string            `json:"subjectId"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Eligible reports whether the line item is flagged entitlement-eligible.
func (s SubjectRef) Eligible() bool {
	v, ok := s.Attributes[EligibleAttribute]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// InboundEvent is the typed form of a platform notification. Raw platform JSON
// never travels past the boundary parser.
type InboundEvent struct {
	ID            string
	Type          Type
	ActorID       string
	SourceEventID string
	Reason        string
	SubjectRefs   []SubjectRef
	OccurredAt    time.Time
	RawPayload    []byte
}

// Delivery is a verified event together with what is needed to re-verify it later.
type Delivery struct {
	Event      *InboundEvent
	Signature  string
	ReceivedAt time.Time
}
