package ice

import (
	"context"
	"time"

	"github.com/pion/logging"
)

// Role is which end of the connectivity check a Pair Tester is playing,
// per RFC8445's controlling/controlled agent roles.
type Role int

const (
	RoleController Role = iota
	RoleControllee
)

// PairTester drives one CandidatePair through the connectivity-check
// state machine on its own goroutine. It is grounded in the uvgComm
// original's IcePairTester (icepairtester.cpp) and in the teacher's
// checklist.go connectivity-check send/receive logic, generalized to the
// controller/controllee sequences spec.md §4.3 describes and rewritten
// around channels instead of Qt-style signal/slot callbacks, per spec.md
// §9's redesign note.
type PairTester struct {
	pair       *CandidatePair
	mux        *Multiplexer
	role       Role
	tiebreaker uint64
	codec      *transactionCache
	log        logging.LeveledLogger

	requestCh    chan *Message
	nominationCh chan *Message
	responseCh   chan *Message

	succeeded chan<- *CandidatePair
}

func newPairTester(pair *CandidatePair, mux *Multiplexer, role Role, tiebreaker uint64, succeeded chan<- *CandidatePair, loggerFactory logging.LoggerFactory) *PairTester {
	return &PairTester{
		pair:         pair,
		mux:          mux,
		role:         role,
		tiebreaker:   tiebreaker,
		codec:        newTransactionCache(),
		log:          loggerFactory.NewLogger("pairtester"),
		requestCh:    make(chan *Message, 1),
		nominationCh: make(chan *Message, 1),
		responseCh:   make(chan *Message, 1),
		succeeded:    succeeded,
	}
}

func (pt *PairTester) remote() TransportAddress {
	return pt.pair.Remote.transportAddress()
}

// onDatagram is registered with the owning Candidate Tester's Multiplexer
// against pt.remote() and is called from the Multiplexer's read loop
// goroutine, so it must not block.
func (pt *PairTester) onDatagram(msg *Message, from TransportAddress) {
	switch msg.Type {
	case MessageTypeResponse:
		if pt.codec.verifyResponse(msg, from) {
			nonBlockingSend(pt.responseCh, msg)
		}
	case MessageTypeRequest:
		pt.handleIncomingRequest(msg)
	}
}

func nonBlockingSend(ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
	default:
	}
}

// handleIncomingRequest applies spec.md §4.3's validation rules: a request
// must carry the role attribute its sender's role implies, and
// USE-CANDIDATE is only meaningful once this pair has already succeeded a
// plain connectivity check.
func (pt *PairTester) handleIncomingRequest(msg *Message) {
	switch pt.role {
	case RoleController:
		if !msg.hasAttribute(AttrICEControlled) {
			pt.log.Debugf("dropping request missing ICE-CONTROLLED from controllee peer")
			return
		}
	case RoleControllee:
		if !msg.hasAttribute(AttrICEControlling) {
			pt.log.Debugf("dropping request missing ICE-CONTROLLING from controller peer")
			return
		}
	}

	if msg.hasAttribute(AttrUseCandidate) {
		if pt.pair.State() != PairSucceeded {
			pt.log.Debugf("dropping USE-CANDIDATE request while pair is %s", pt.pair.State())
			return
		}
		nonBlockingSend(pt.nominationCh, msg)
		return
	}

	if pt.pair.State() != PairInProgress {
		pt.log.Debugf("dropping plain request while pair is %s", pt.pair.State())
		return
	}
	nonBlockingSend(pt.requestCh, msg)
}

// run executes this pair's full controller or controllee sequence and
// blocks until it reaches a terminal state or ctx is cancelled.
func (pt *PairTester) run(ctx context.Context) {
	pt.mux.RegisterListener(pt.remote(), pt.onDatagram)
	defer pt.mux.UnregisterListener(pt.remote())

	pt.pair.setState(PairInProgress)

	switch pt.role {
	case RoleController:
		pt.runController(ctx)
	case RoleControllee:
		pt.runControllee(ctx)
	}
}

func (pt *PairTester) runController(ctx context.Context) {
	req := newRequest()
	req.addICEControlling(pt.tiebreaker)
	req.addPriority(pt.pair.Local.Priority)
	pt.codec.expectReplyFrom(pt.remote(), req.TransactionID)

	if !pt.retransmitUntilResponse(ctx, req, checkRetries) {
		pt.pair.setState(PairFailed)
		return
	}

	if !pt.awaitPlainRequest(ctx, checkRetries) {
		pt.pair.setState(PairFailed)
		return
	}

	pt.pair.setState(PairSucceeded)
	pt.reportSuccess(ctx)
}

func (pt *PairTester) runControllee(ctx context.Context) {
	// Responding to the controller's probe first opens this side's NAT
	// mapping so the controller's eventual response to our own request
	// below can reach us.
	if !pt.awaitPlainRequest(ctx, checkRetries) {
		pt.pair.setState(PairFailed)
		return
	}

	req := newRequest()
	req.addICEControlled(pt.tiebreaker)
	req.addPriority(pt.pair.Local.Priority)
	pt.codec.expectReplyFrom(pt.remote(), req.TransactionID)

	if !pt.retransmitUntilResponse(ctx, req, checkRetries) {
		pt.pair.setState(PairFailed)
		return
	}

	pt.pair.setState(PairSucceeded)

	if !pt.awaitNomination(ctx) {
		pt.pair.setState(PairFailed)
		return
	}

	pt.pair.setState(PairNominated)
	pt.reportSuccess(ctx)
}

// retransmitUntilResponse resends req with an increasing timeout
// (checkWaitUnit*k for the k-th attempt) until a matching Response is
// observed, up to retries attempts.
func (pt *PairTester) retransmitUntilResponse(ctx context.Context, req *Message, retries int) bool {
	wire := encode(req)
	for attempt := 1; attempt <= retries; attempt++ {
		if !pt.mux.Send(wire, pt.remote()) {
			return false
		}
		select {
		case <-pt.responseCh:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * checkWaitUnit):
		}
	}
	return false
}

// awaitPlainRequest waits, with the same increasing schedule, for an
// incoming connectivity-check Request (no USE-CANDIDATE), responding
// checkRespRetransmits times spaced checkRespSpacing apart once one
// arrives.
func (pt *PairTester) awaitPlainRequest(ctx context.Context, retries int) bool {
	for attempt := 1; attempt <= retries; attempt++ {
		select {
		case msg := <-pt.requestCh:
			pt.respond(msg, checkRespRetransmits, checkRespSpacing)
			return true
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * checkWaitUnit):
		}
	}
	return false
}

// awaitNomination waits up to controlleeNominationWaits attempts for the
// controller's USE-CANDIDATE request, responding nominationRespRetransmits
// times once it arrives.
func (pt *PairTester) awaitNomination(ctx context.Context) bool {
	for attempt := 1; attempt <= controlleeNominationWaits; attempt++ {
		select {
		case msg := <-pt.nominationCh:
			pt.respond(msg, nominationRespRetransmits, nominationRespSpacing)
			return true
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * checkWaitUnit):
		}
	}
	return false
}

// respond builds a Response to req carrying this side's role attribute, per
// spec.md §4.3's steps 1 (controllee) and 3 (controller) and
// original_source/icepairtester.cpp's response-building code, which tags
// every reply with ICE-CONTROLLING/ICE-CONTROLLED the same way its requests
// are tagged.
func (pt *PairTester) respond(req *Message, retransmits int, spacing time.Duration) {
	resp := newResponseTo(req)
	switch pt.role {
	case RoleController:
		resp.addICEControlling(pt.tiebreaker)
	case RoleControllee:
		resp.addICEControlled(pt.tiebreaker)
	}
	wire := encode(resp)
	for i := 0; i < retransmits; i++ {
		pt.mux.Send(wire, pt.remote())
		if i < retransmits-1 {
			time.Sleep(spacing)
		}
	}
}

func (pt *PairTester) reportSuccess(ctx context.Context) {
	select {
	case pt.succeeded <- pt.pair:
	case <-ctx.Done():
	}
}

// sendNominationRequest is used by the Candidate Tester's final-nomination
// step, run on the controller's winning pairs only: it plays the
// controller side of the connectivity check again, this time with
// USE-CANDIDATE set, and does not wait for an incoming request in return.
func sendNominationRequest(ctx context.Context, mux *Multiplexer, pair *CandidatePair, tiebreaker uint64, codec *transactionCache, responseCh <-chan *Message) bool {
	req := newRequest()
	req.addICEControlling(tiebreaker)
	req.addPriority(pair.Local.Priority)
	req.addUseCandidate()
	codec.expectReplyFrom(pair.Remote.transportAddress(), req.TransactionID)

	wire := encode(req)
	for attempt := 1; attempt <= nominationRetries; attempt++ {
		if !mux.Send(wire, pair.Remote.transportAddress()) {
			return false
		}
		select {
		case <-responseCh:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * checkWaitUnit):
		}
	}
	return false
}
