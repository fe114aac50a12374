package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type HoldState string

const (
	HoldActive   HoldState = "held"
	HoldCaptured HoldState = "captured"
	HoldRefunded HoldState = "refunded"
)

type Hold struct {
	Reference   string
	Amount      int64
	State       HoldState
	Destination string
	Payout      int64
	Fee         int64
}

// Sandbox is an in-memory provider. A key that was applied once returns the
// same reference again without touching any hold.
type Sandbox struct {
	mu      sync.Mutex
	byKey   map[string]string
	holds   map[string]*Hold
	faults  map[string][]error
	lost    map[string]int
	calls   map[string]int
	latency time.Duration
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		byKey:  map[string]string{},
		holds:  map[string]*Hold{},
		faults: map[string][]error{},
		lost:   map[string]int{},
		calls:  map[string]int{},
	}
}

const (
	OpCreateHold = "create_hold"
	OpCapture    = "capture"
	OpRefund     = "refund"
)

// FailNext queues errors returned by the next calls of op, one per call.
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// LoseResponses makes the next n calls of op take effect at the provider but
// report a timeout to the caller.
func (s *Sandbox) LoseResponses(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost[op] += n
}

// Holds counts the holds ever created.
func (s *Sandbox) Holds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.holds)
}

// SetLatency delays every call; a call whose context ends first fails as unavailable.
func (s *Sandbox) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls counts the calls of op that reached the provider, including failed ones.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) Hold(ref string) (Hold, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[ref]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}

func (s *Sandbox) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	var fault error
	if q := s.faults[op]; len(q) > 0 {
		fault, s.faults[op] = q[0], q[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return unavailable(op, 0, ctx.Err())
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return unavailable(op, 0, err)
	}
	return fault
}

// finish turns a successful call into a lost response when one is queued.
// Callers hold s.mu.
func (s *Sandbox) finish(op, ref string) (string, error) {
	if s.lost[op] > 0 {
		s.lost[op]--
		return "", unavailable(op, 0, context.DeadlineExceeded)
	}
	return ref, nil
}

func (s *Sandbox) CreateHold(ctx context.Context, amount int64, key string) (ref string, err error) {
	defer func() { requestsTotal.WithLabelValues(OpCreateHold, outcome(err)).Inc() }()

	if err := s.begin(ctx, OpCreateHold); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.byKey[key]; ok {
		return ref, nil
	}
	if amount <= 0 {
		return "", rejected(OpCreateHold, 400, "invalid_amount", "amount must be positive")
	}

	ref = "hold_" + uuid.NewString()
	s.holds[ref] = &Hold{Reference: ref, Amount: amount, State: HoldActive}
	s.byKey[key] = ref
	return s.finish(OpCreateHold, ref)
}

func (s *Sandbox) CaptureAndTransfer(ctx context.Context, holdRef, destination string, payout, fee int64, key string) (ref string, err error) {
	defer func() { requestsTotal.WithLabelValues(OpCapture, outcome(err)).Inc() }()

	if err := s.begin(ctx, OpCapture); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.byKey[key]; ok {
		return ref, nil
	}

	h, ok := s.holds[holdRef]
	switch {
	case !ok:
		return "", rejected(OpCapture, 404, "hold_not_found", holdRef)
	case h.State != HoldActive:
		return "", rejected(OpCapture, 409, "hold_not_active", string(h.State))
	case payout+fee != h.Amount || payout < 0 || fee < 0:
		return "", rejected(OpCapture, 400, "amount_mismatch", "payout and fee must add up to the hold")
	}

	h.State = HoldCaptured
	h.Destination = destination
	h.Payout = payout
	h.Fee = fee

	ref = "tr_" + uuid.NewString()
	s.byKey[key] = ref
	return s.finish(OpCapture, ref)
}

func (s *Sandbox) Refund(ctx context.Context, holdRef, key string) (ref string, err error) {
	defer func() { requestsTotal.WithLabelValues(OpRefund, outcome(err)).Inc() }()

	if err := s.begin(ctx, OpRefund); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.byKey[key]; ok {
		return ref, nil
	}

	h, ok := s.holds[holdRef]
	switch {
	case !ok:
		return "", rejected(OpRefund, 404, "hold_not_found", holdRef)
	case h.State != HoldActive:
		return "", rejected(OpRefund, 409, "hold_not_active", string(h.State))
	}

	h.State = HoldRefunded
	ref = "re_" + uuid.NewString()
	s.byKey[key] = ref
	return s.finish(OpRefund, ref)
}

// Rejection and Outage build errors for FailNext.
func Rejection(op, code string) error {
	return rejected(op, 422, code, "")
}

func Outage(op string) error {
	return unavailable(op, 503, nil)
}
