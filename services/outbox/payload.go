package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrUnknownEventType = errors.New("unknown outbox event type")

// Payload is one of EscrowHold, CompletionRelease, BountyRefunded or
// RefundRetry. The unexported method keeps the set closed.
type Payload interface {
	EventType() EventType
	AggregateID() string
	DedupeKey() string
	dispatch(ctx context.Context, h Handler, ev *Event) error
}

// Handler has one method per payload variant, so adding a variant breaks the
// build until every handler covers it.
type Handler interface {
	HandleEscrowHold(ctx context.Context, ev *Event, p EscrowHold) error
	HandleCompletionRelease(ctx context.Context, ev *Event, p CompletionRelease) error
	HandleBountyRefunded(ctx context.Context, ev *Event, p BountyRefunded) error
	HandleRefundRetry(ctx context.Context, ev *Event, p RefundRetry) error
}

type EscrowHold struct {
	BountyID string `json:"bounty_id"`
	PosterID string `json:"poster_id"`
	Amount   int64  `json:"amount"`
	Round    int    `json:"round"`
}

func (EscrowHold) EventType() EventType  { return TypeEscrowHold }
func (p EscrowHold) AggregateID() string { return p.BountyID }
func (p EscrowHold) DedupeKey() string {
	return roundKey(TypeEscrowHold, p.BountyID, p.Round)
}
func (p EscrowHold) dispatch(ctx context.Context, h Handler, ev *Event) error {
	return h.HandleEscrowHold(ctx, ev, p)
}

type CompletionRelease struct {
	BountyID      string `json:"bounty_id"`
	HunterID      string `json:"hunter_id"`
	Amount        int64  `json:"amount"`
	HoldReference string `json:"hold_reference"`
	Round         int    `json:"round"`
}

func (CompletionRelease) EventType() EventType  { return TypeCompletionRelease }
func (p CompletionRelease) AggregateID() string { return p.BountyID }
func (p CompletionRelease) DedupeKey() string {
	return roundKey(TypeCompletionRelease, p.BountyID, p.Round)
}
func (p CompletionRelease) dispatch(ctx context.Context, h Handler, ev *Event) error {
	return h.HandleCompletionRelease(ctx, ev, p)
}

type BountyRefunded struct {
	BountyID      string `json:"bounty_id"`
	PosterID      string `json:"poster_id"`
	HoldReference string `json:"hold_reference"`
	Round         int    `json:"round"`
}

func (BountyRefunded) EventType() EventType  { return TypeBountyRefunded }
func (p BountyRefunded) AggregateID() string { return p.BountyID }
func (p BountyRefunded) DedupeKey() string {
	return roundKey(TypeBountyRefunded, p.BountyID, p.Round)
}
func (p BountyRefunded) dispatch(ctx context.Context, h Handler, ev *Event) error {
	return h.HandleBountyRefunded(ctx, ev, p)
}

// RefundRetry re-drives a refund whose event ended failed.
type RefundRetry struct {
	BountyID        string `json:"bounty_id"`
	PosterID        string `json:"poster_id"`
	HoldReference   string `json:"hold_reference"`
	Round           int    `json:"round"`
	OriginalEventID string `json:"original_event_id"`
}

func (RefundRetry) EventType() EventType  { return TypeRefundRetry }
func (p RefundRetry) AggregateID() string { return p.BountyID }
func (p RefundRetry) DedupeKey() string {
	return fmt.Sprintf("%s:%s", TypeRefundRetry, p.OriginalEventID)
}
func (p RefundRetry) dispatch(ctx context.Context, h Handler, ev *Event) error {
	return h.HandleRefundRetry(ctx, ev, p)
}

func roundKey(t EventType, bountyID string, round int) string {
	return string(t) + ":" + bountyID + ":" + strconv.Itoa(round)
}

// Decode returns the typed payload stored in ev.
func Decode(ev *Event) (Payload, error) {
	switch ev.Type {
	case TypeEscrowHold:
		return decodeAs[EscrowHold](ev.Payload)
	case TypeCompletionRelease:
		return decodeAs[CompletionRelease](ev.Payload)
	case TypeBountyRefunded:
		return decodeAs[BountyRefunded](ev.Payload)
	case TypeRefundRetry:
		return decodeAs[RefundRetry](ev.Payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode outbox payload: %w", err)
	}
	return p, nil
}

// Dispatch decodes ev and calls the matching handler method.
func Dispatch(ctx context.Context, h Handler, ev *Event) error {
	p, err := Decode(ev)
	if err != nil {
		return Permanent(err)
	}
	return p.dispatch(ctx, h, ev)
}
