package ice

import (
	"context"
	"net"

	"github.com/pion/logging"
)

// CandidateTester owns one bound local socket (one Multiplexer) and tests
// every candidate pair whose local candidate's base address is that
// socket, one Pair Tester goroutine per pair. It is grounded in the
// uvgComm original's IceCandidateTester (icecandidatetester.cpp) and the
// teacher's per-Base socket ownership in internal/ice/base.go.
type CandidateTester struct {
	mux           *Multiplexer
	role          Role
	tiebreaker    uint64
	pairs         []*CandidatePair
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
}

func NewCandidateTester(role Role, tiebreaker uint64, loggerFactory logging.LoggerFactory) *CandidateTester {
	return &CandidateTester{
		mux:           NewMultiplexer(loggerFactory),
		role:          role,
		tiebreaker:    tiebreaker,
		log:           loggerFactory.NewLogger("candidatetester"),
		loggerFactory: loggerFactory,
	}
}

// Bind opens the local socket this tester's pairs will test over. It
// returns false on bind failure, letting the Session Coordinator skip this
// interface per spec.md §4.5 step 3.
func (ct *CandidateTester) Bind(local TransportAddress) bool {
	return ct.mux.Bind(net.ParseIP(local.IP), local.Port)
}

// AddPair registers a candidate pair to be tested once StartAll runs. Must
// be called before StartAll.
func (ct *CandidateTester) AddPair(p *CandidatePair) {
	ct.pairs = append(ct.pairs, p)
}

func (ct *CandidateTester) LocalAddr() TransportAddress {
	return ct.mux.LocalAddr()
}

func (ct *CandidateTester) Stats() Stats {
	return ct.mux.Stats()
}

// StartAll launches one Pair Tester goroutine per registered pair and
// returns a buffered channel each delivers its pair on upon reaching its
// role's terminal success (Succeeded for a controller, Nominated for a
// controllee). It never closes the channel: some pairs may never succeed,
// and the caller (Session Coordinator) stops reading once it has what it
// needs and instead cancels ctx and calls EndTests.
func (ct *CandidateTester) StartAll(ctx context.Context) <-chan *CandidatePair {
	succeeded := make(chan *CandidatePair, len(ct.pairs)+1)
	for _, pair := range ct.pairs {
		pt := newPairTester(pair, ct.mux, ct.role, ct.tiebreaker, succeeded, ct.loggerFactory)
		go pt.run(ctx)
	}
	return succeeded
}

// EndTests stops every pair tester's socket traffic by unbinding the
// shared Multiplexer; in-flight Pair Tester goroutines unblock via their
// context and exit on their own. Matches IceCandidateTester::endTests,
// which is called for every interface regardless of whether its pairs
// succeeded.
func (ct *CandidateTester) EndTests() {
	ct.mux.Unbind()
}

// PerformFinalNomination is the controller-only step that sends a real
// USE-CANDIDATE request on the winning pair and waits for the controllee's
// response, per spec.md §4.5 step 8.
func (ct *CandidateTester) PerformFinalNomination(ctx context.Context, pair *CandidatePair) bool {
	remote := pair.Remote.transportAddress()
	codec := newTransactionCache()
	responseCh := make(chan *Message, 1)

	ct.mux.RegisterListener(remote, func(msg *Message, from TransportAddress) {
		if msg.Type == MessageTypeResponse && codec.verifyResponse(msg, from) {
			nonBlockingSend(responseCh, msg)
		}
	})
	defer ct.mux.UnregisterListener(remote)

	ok := sendNominationRequest(ctx, ct.mux, pair, ct.tiebreaker, codec, responseCh)
	if ok {
		pair.setState(PairNominated)
	}
	return ok
}
