package zkverify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const (
	methodVkeyRegistered    = "settlement_vkeyRegistered"
	methodSubmitAndWatch    = "settlement_submitProofAndWatch"
	methodSubmissionEvent   = "settlement_submissionEvent"
	methodSubscribeReceipts = "aggregate_subscribeReceipts"
	methodReceipt           = "aggregate_receipt"
)

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcError is a ledger-side rejection. The ledger only gives us free-text
// messages; Error preserves the numeric code prefix ("1014: ...") because the
// retry classifier keys off it.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

type submitParams struct {
	Address             string          `json:"address"`
	VerificationKeyHash string          `json:"vkHash"`
	Proof               json.RawMessage `json:"proof"`
	PublicValues        []string        `json:"publicValues"`
	DomainID            uint32          `json:"domainId"`
}

type submissionNotification struct {
	Subscription string `json:"subscription"`
	Result       struct {
		Status        string `json:"status"`
		BlockHash     string `json:"blockHash,omitempty"`
		AggregationID uint64 `json:"aggregationId,omitempty"`
		Error         string `json:"error,omitempty"`
	} `json:"result"`
}

type receiptNotification struct {
	Subscription string `json:"subscription"`
	Result       struct {
		BlockHash     string `json:"blockHash"`
		DomainID      uint32 `json:"domainId"`
		AggregationID uint64 `json:"aggregationId"`
	} `json:"result"`
}

// session is one websocket connection to the ledger. It multiplexes request
// responses and subscription notifications over a single read pump. A dead
// connection settles every open watch with a disconnect error; the session is
// never reused after that.
type session struct {
	log        *slog.Logger
	generation uint64
	conn       *websocket.Conn
	receiptsCh chan<- AggregationReceipt

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu          sync.Mutex
	pending     map[uint64]chan *rpcEnvelope
	watches     map[string]chan SubmissionEvent
	earlyEvents map[string][]SubmissionEvent
	receiptSub  string

	closed    chan struct{}
	closeOnce sync.Once
}

func dialSession(ctx context.Context, log *slog.Logger, cfg Config, generation uint64, receiptsCh chan<- AggregationReceipt) (*session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	s := &session{
		log:         log,
		generation:  generation,
		conn:        conn,
		receiptsCh:  receiptsCh,
		pending:     make(map[uint64]chan *rpcEnvelope),
		watches:     make(map[string]chan SubmissionEvent),
		earlyEvents: make(map[string][]SubmissionEvent),
		closed:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// call performs one request/response round trip.
func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	ch := make(chan *rpcEnvelope, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("disconnected: write failed: %w", err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-s.closed:
		return nil, errors.New("disconnected: session closed while awaiting response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) write(req rpcRequest) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(req)
}

func (s *session) vkeyRegistered(ctx context.Context, vkHash string) (bool, error) {
	result, err := s.call(ctx, methodVkeyRegistered, []any{vkHash})
	if err != nil {
		return false, err
	}
	var registered bool
	if err := json.Unmarshal(result, &registered); err != nil {
		return false, fmt.Errorf("unexpected registration response: %w", err)
	}
	return registered, nil
}

func (s *session) subscribeReceipts(ctx context.Context, domainID uint32) error {
	result, err := s.call(ctx, methodSubscribeReceipts, []any{domainID})
	if err != nil {
		return err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return fmt.Errorf("unexpected receipt subscription response: %w", err)
	}

	s.mu.Lock()
	s.receiptSub = subID
	s.mu.Unlock()
	return nil
}

func (s *session) submitAndWatch(ctx context.Context, params submitParams) (<-chan SubmissionEvent, error) {
	result, err := s.call(ctx, methodSubmitAndWatch, params)
	if err != nil {
		return nil, err
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return nil, fmt.Errorf("unexpected submit response: %w", err)
	}

	events := make(chan SubmissionEvent, 8)

	s.mu.Lock()
	// Notifications for this subscription may have raced ahead of the
	// response; replay anything stashed by the read pump.
	for _, ev := range s.earlyEvents[subID] {
		events <- ev
	}
	delete(s.earlyEvents, subID)
	s.watches[subID] = events
	s.mu.Unlock()

	select {
	case <-s.closed:
		// The session died between the response and now; make sure the
		// caller still observes a terminal event.
		s.settleWatch(subID, SubmissionEvent{
			Kind: EventError,
			Err:  errors.New("disconnected: session closed after submit"),
		})
	default:
	}

	return events, nil
}

func (s *session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("read loop panicked: %v", r))
		}
	}()
	for {
		var env rpcEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			s.fail(err)
			return
		}

		switch {
		case env.ID != nil:
			s.mu.Lock()
			ch, ok := s.pending[*env.ID]
			s.mu.Unlock()
			if ok {
				envCopy := env
				ch <- &envCopy
			}

		case env.Method == methodSubmissionEvent:
			s.handleSubmissionEvent(env.Params)

		case env.Method == methodReceipt:
			s.handleReceipt(env.Params)

		default:
			s.log.Debug("zkverify: unrecognized message", "method", env.Method)
		}
	}
}

func (s *session) handleSubmissionEvent(params json.RawMessage) {
	var note submissionNotification
	if err := json.Unmarshal(params, &note); err != nil {
		s.log.Error("zkverify: malformed submission event", "error", err)
		return
	}

	ev := SubmissionEvent{
		Kind:          EventKind(note.Result.Status),
		BlockHash:     note.Result.BlockHash,
		AggregationID: note.Result.AggregationID,
	}
	if ev.Kind == EventError {
		ev.Err = errors.New(note.Result.Error)
	}

	terminal := ev.Kind == EventIncluded || ev.Kind == EventError

	s.mu.Lock()
	ch, ok := s.watches[note.Subscription]
	if !ok {
		// Response for the originating call not processed yet; stash so
		// the watcher sees the event once registered.
		s.earlyEvents[note.Subscription] = append(s.earlyEvents[note.Subscription], ev)
		s.mu.Unlock()
		return
	}
	if terminal {
		delete(s.watches, note.Subscription)
	}
	s.mu.Unlock()

	select {
	case ch <- ev:
	default:
		s.log.Error("zkverify: dropping submission event, watcher not draining",
			"subscription", note.Subscription, "kind", ev.Kind)
	}
}

func (s *session) handleReceipt(params json.RawMessage) {
	var note receiptNotification
	if err := json.Unmarshal(params, &note); err != nil {
		s.log.Error("zkverify: malformed aggregation receipt", "error", err)
		return
	}

	receipt := AggregationReceipt{
		BlockHash:     note.Result.BlockHash,
		DomainID:      note.Result.DomainID,
		AggregationID: note.Result.AggregationID,
	}
	select {
	case s.receiptsCh <- receipt:
	default:
		s.log.Error("zkverify: dropping aggregation receipt, sink not draining",
			"aggregationId", receipt.AggregationID)
	}
}

// settleWatch delivers a terminal event to one watch and removes it.
func (s *session) settleWatch(subID string, ev SubmissionEvent) {
	s.mu.Lock()
	ch, ok := s.watches[subID]
	if ok {
		delete(s.watches, subID)
	}
	s.mu.Unlock()
	if ok {
		select {
		case ch <- ev:
		default:
		}
	}
}

// fail settles every open watch with a disconnect error and marks the session
// dead. Callers blocked in call observe the closed channel.
func (s *session) fail(err error) {
	s.closeOnce.Do(func() {
		close(s.closed)
	})

	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]chan SubmissionEvent)
	s.mu.Unlock()

	for subID, ch := range watches {
		ev := SubmissionEvent{
			Kind: EventError,
			Err:  fmt.Errorf("disconnected: %v", err),
		}
		select {
		case ch <- ev:
		default:
			s.log.Error("zkverify: dropping disconnect event", "subscription", subID)
		}
	}

	s.log.Error("zkverify: session lost", "generation", s.generation, "error", err)
	_ = s.conn.Close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	_ = s.conn.Close()
}
