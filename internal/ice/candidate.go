package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"sync/atomic"
)

// CandidateType is one of the four kinds of ICE candidate [RFC8445 §5.1.1].
type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelay           CandidateType = "relay"
)

// CandidateInfo describes one local or remote candidate. It carries no
// behavior of its own; comparisons use plain equality, which the Session
// Coordinator relies on for its session-equality cache.
type CandidateInfo struct {
	Foundation     string        `json:"foundation"`
	Component      int           `json:"component"`
	Address        string        `json:"address"`
	Port           int           `json:"port"`
	Type           CandidateType `json:"type"`
	RelatedAddress string        `json:"relatedAddress,omitempty"`
	RelatedPort    int           `json:"relatedPort,omitempty"`
	Priority       uint32        `json:"priority"`
}

func (c CandidateInfo) transportAddress() TransportAddress {
	return TransportAddress{IP: c.Address, Port: c.Port}
}

// baseAddress returns the local endpoint a Candidate Tester binds to in
// order to send and receive on behalf of this candidate: the related
// address/port for reflexive and relayed candidates, otherwise the
// candidate's own address.
func (c CandidateInfo) baseAddress() TransportAddress {
	if c.Type != CandidateHost && c.RelatedAddress != "" {
		return TransportAddress{IP: c.RelatedAddress, Port: c.RelatedPort}
	}
	return c.transportAddress()
}

const (
	typePrefHost  = 126
	typePrefPrflx = 110
	typePrefSrflx = 100
	typePrefRelay = 0
)

// ComputePriority implements the RFC8445 §5.1.2 candidate priority formula:
//
//	priority = 2^24 * type_pref + 2^8 * local_pref + (256 - component)
func ComputePriority(t CandidateType, localPref int, component int) uint32 {
	var typePref int
	switch t {
	case CandidateHost:
		typePref = typePrefHost
	case CandidatePeerReflexive:
		typePref = typePrefPrflx
	case CandidateServerReflexive:
		typePref = typePrefSrflx
	case CandidateRelay:
		typePref = typePrefRelay
	default:
		panic("ice: unknown candidate type " + string(t))
	}
	return uint32(typePref)<<24 + uint32(localPref)<<8 + uint32(256-component)
}

// ComputePairPriority implements the RFC8445 §6.1.2.3 candidate pair
// priority formula, where g is the controlling agent's candidate priority
// and d is the controlled agent's.
func ComputePairPriority(g, d uint32) uint64 {
	lo, hi := uint64(g), uint64(d)
	var controllingWins uint64
	if g > d {
		controllingWins = 1
		lo, hi = hi, lo
	}
	return (uint64(1)<<32)*lo + 2*hi + controllingWins
}

// computeFoundation groups candidates that share a type, base address, and
// (for reflexive/relayed candidates) discovery server, per RFC8445 §5.1.1.3.
func computeFoundation(t CandidateType, base TransportAddress, server string) string {
	fingerprint := fmt.Sprintf("%s/%s", t, base.IP)
	if server != "" {
		fingerprint += "/" + server
	}
	h := fnv.New64()
	h.Write([]byte(fingerprint))
	return base32.StdEncoding.EncodeToString(h.Sum(nil))[:8]
}

// CandidatePairState is the lifecycle of a single local/remote candidate
// pairing as it moves through connectivity checks.
type CandidatePairState int32

const (
	PairFrozen CandidatePairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
	PairNominated
)

func (s CandidatePairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	case PairNominated:
		return "nominated"
	default:
		return "unknown"
	}
}

// CandidatePair is one local candidate paired with one remote candidate,
// tracked through a single Pair Tester run. Its state is accessed from the
// Pair Tester's goroutine and read from the owning Candidate Tester and
// Session Coordinator, so it is kept behind an atomic rather than a mutex.
type CandidatePair struct {
	Local    CandidateInfo
	Remote   CandidateInfo
	Priority uint64

	state atomic.Int32
}

// NewCandidatePair pairs a local and remote candidate, computing pair
// priority from whichever side is acting as the controlling agent.
func NewCandidatePair(local, remote CandidateInfo, localIsController bool) *CandidatePair {
	var g, d uint32
	if localIsController {
		g, d = local.Priority, remote.Priority
	} else {
		g, d = remote.Priority, local.Priority
	}
	p := &CandidatePair{
		Local:    local,
		Remote:   remote,
		Priority: ComputePairPriority(g, d),
	}
	p.state.Store(int32(PairFrozen))
	return p
}

func (p *CandidatePair) State() CandidatePairState {
	return CandidatePairState(p.state.Load())
}

func (p *CandidatePair) setState(s CandidatePairState) {
	p.state.Store(int32(s))
}

func (p *CandidatePair) String() string {
	return fmt.Sprintf("%s:%d <-> %s:%d [%s]",
		p.Local.Address, p.Local.Port, p.Remote.Address, p.Remote.Port, p.State())
}
