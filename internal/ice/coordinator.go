package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/logging"
)

// foundationComponentKey indexes accumulated successful pairs for the
// aggregate-completion algorithm in spec.md §4.5 step 5.
type foundationComponentKey struct {
	foundation string
	component  int
}

// Coordinator runs ICE sessions: given a local and remote candidate list
// and a controller/controllee role, it partitions candidates into
// Candidate Testers by local base address, waits for the first foundation
// to complete connectivity checks on every component, and (as controller)
// nominates it. It is grounded in the uvgComm original's IceSessionTester
// (icesessiontester.cpp) and the teacher's agent.go orchestration loop.
type Coordinator struct {
	cfg Config
	log logging.LeveledLogger

	mu       sync.Mutex
	sessions map[uint64]*runningSession
}

type runningSession struct {
	pairs  []pairSpec
	cancel context.CancelFunc
	done   chan struct{}
	record *NominationRecord
}

func NewCoordinator(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("coordinator"),
		sessions: make(map[uint64]*runningSession),
	}
}

// StartSession runs (or joins, per spec.md §4.5's idempotence rule) one
// ICE session. It blocks until the session reaches a terminal
// NominationSucceeded/NominationFailed outcome or ctx is cancelled.
func (c *Coordinator) StartSession(ctx context.Context, sessionID uint64, local, remote []CandidateInfo, isController bool) (*NominationRecord, error) {
	if sessionID == 0 {
		c.log.Errorf("StartSession called with a zero session id: %v", ErrInvalidSessionID)
		return &NominationRecord{Status: NominationFailed, Reason: ReasonProgrammerError}, nil
	}
	if len(local) == 0 || len(remote) == 0 {
		c.log.Errorf("StartSession called with an empty candidate list: %v", ErrEmptyCandidateList)
		return &NominationRecord{SessionID: sessionID, Status: NominationFailed, Reason: ReasonProgrammerError}, nil
	}
	specs := pairSpecsFrom(local, remote)

	c.mu.Lock()
	if existing, ok := c.sessions[sessionID]; ok && equalPairSpecSets(existing.pairs, specs) {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.record, nil
		case <-ctx.Done():
			return nil, ErrSessionCancelled
		}
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &runningSession{pairs: specs, cancel: cancel, done: make(chan struct{})}
	c.sessions[sessionID] = s
	c.mu.Unlock()

	record := c.run(sessionCtx, sessionID, local, remote, isController)
	s.record = record
	close(s.done)
	return record, nil
}

// CancelSession cancels a running session's context; its StartSession call
// returns with Status == NominationFailed, Reason == ReasonCancelled.
func (c *Coordinator) CancelSession(sessionID uint64) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if ok {
		s.cancel()
	}
}

func (c *Coordinator) run(ctx context.Context, sessionID uint64, local, remote []CandidateInfo, isController bool) *NominationRecord {
	role := RoleControllee
	if isController {
		role = RoleController
	}
	tiebreaker := randomTiebreaker()

	testers, ownerOf, components := c.buildCandidateTesters(local, remote, role, tiebreaker)
	defer func() {
		for _, t := range testers {
			t.EndTests()
		}
	}()

	var bound []*CandidateTester
	for _, t := range testers {
		if _, ok := c.bindOne(t); ok {
			bound = append(bound, t)
		}
	}
	if len(bound) == 0 {
		return &NominationRecord{SessionID: sessionID, Status: NominationFailed, Reason: ReasonBindFailure}
	}

	timeout := c.cfg.ControlleeNominationTimeout
	if isController {
		timeout = c.cfg.ControllerNominationTimeout
	}
	deadline := time.After(timeout)

	testCtx, stopTests := context.WithCancel(ctx)
	defer stopTests()

	fanIn := make(chan *CandidatePair, 64)
	for _, t := range bound {
		go forward(testCtx, t.StartAll(testCtx), fanIn)
	}

	progress := make(map[foundationComponentKey]*CandidatePair)
	for {
		select {
		case pair, ok := <-fanIn:
			if !ok {
				continue
			}
			key := foundationComponentKey{pair.Local.Foundation, pair.Local.Component}
			progress[key] = pair
			if winners, complete := winningFoundation(progress, components); complete {
				return c.finish(ctx, sessionID, isController, tiebreaker, winners, ownerOf)
			}
		case <-deadline:
			return &NominationRecord{SessionID: sessionID, Status: NominationFailed, Reason: ReasonTimeout}
		case <-ctx.Done():
			return &NominationRecord{SessionID: sessionID, Status: NominationFailed, Reason: ReasonCancelled}
		}
	}
}

func (c *Coordinator) bindOne(t *CandidateTester) (*CandidateTester, bool) {
	if len(t.pairs) == 0 {
		return t, false
	}
	local := t.pairs[0].Local.baseAddress()
	return t, t.Bind(local)
}

// buildCandidateTesters partitions local candidates by base address,
// creating one CandidateTester per base and one CandidatePair per
// (local, remote) combination sharing a component, per spec.md §4.5 step 2.
func (c *Coordinator) buildCandidateTesters(local, remote []CandidateInfo, role Role, tiebreaker uint64) ([]*CandidateTester, map[*CandidatePair]*CandidateTester, map[int]struct{}) {
	testersByBase := make(map[TransportAddress]*CandidateTester)
	var order []TransportAddress
	ownerOf := make(map[*CandidatePair]*CandidateTester)
	components := make(map[int]struct{})

	localIsController := role == RoleController
	for _, l := range local {
		components[l.Component] = struct{}{}
		base := l.baseAddress()
		t, ok := testersByBase[base]
		if !ok {
			t = NewCandidateTester(role, tiebreaker, c.cfg.LoggerFactory)
			testersByBase[base] = t
			order = append(order, base)
		}
		for _, r := range remote {
			if r.Component != l.Component {
				continue
			}
			pair := NewCandidatePair(l, r, localIsController)
			t.AddPair(pair)
			ownerOf[pair] = t
		}
	}

	testers := make([]*CandidateTester, 0, len(order))
	for _, base := range order {
		testers = append(testers, testersByBase[base])
	}
	return testers, ownerOf, components
}

// winningFoundation reports the first foundation with one succeeded pair
// per required component, per spec.md §4.5 step 5.
func winningFoundation(progress map[foundationComponentKey]*CandidatePair, components map[int]struct{}) (map[int]*CandidatePair, bool) {
	byFoundation := make(map[string]map[int]*CandidatePair)
	for key, pair := range progress {
		m, ok := byFoundation[key.foundation]
		if !ok {
			m = make(map[int]*CandidatePair)
			byFoundation[key.foundation] = m
		}
		m[key.component] = pair
	}
	for _, m := range byFoundation {
		if len(m) == len(components) {
			return m, true
		}
	}
	return nil, false
}

func (c *Coordinator) finish(ctx context.Context, sessionID uint64, isController bool, tiebreaker uint64, winners map[int]*CandidatePair, ownerOf map[*CandidatePair]*CandidateTester) *NominationRecord {
	if isController {
		for _, pair := range winners {
			owner := ownerOf[pair]
			if !owner.PerformFinalNomination(ctx, pair) {
				return &NominationRecord{SessionID: sessionID, Status: NominationFailed, Reason: ReasonNominationRejected}
			}
		}
	}

	results := make([]ComponentResult, 0, len(winners))
	for component, pair := range winners {
		results = append(results, ComponentResult{Component: component, Local: pair.Local, Remote: pair.Remote})
		go c.keepalive(ctx, ownerOf[pair], pair)
	}
	return &NominationRecord{SessionID: sessionID, Status: NominationSucceeded, Results: results}
}

// keepalive sends periodic STUN Binding Indications on a nominated pair,
// per SPEC_FULL.md §11 (grounded in the teacher's checklist.go Tr ticker
// and RFC8445 §11). It is inert with respect to every invariant and
// scenario spec.md §8 describes: no response is expected or consumed.
func (c *Coordinator) keepalive(ctx context.Context, owner *CandidateTester, pair *CandidatePair) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	indication := indicationMessage()
	wire := encode(indication)
	for {
		select {
		case <-ticker.C:
			owner.mux.Send(wire, pair.Remote.transportAddress())
		case <-ctx.Done():
			return
		}
	}
}

func randomTiebreaker() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}

func forward(ctx context.Context, in <-chan *CandidatePair, out chan<- *CandidatePair) {
	for {
		select {
		case pair, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- pair:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
