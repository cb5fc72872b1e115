package ice

import (
	"time"

	"github.com/pion/logging"
)

// Retransmission schedule constants, grounded in the uvgComm original's
// icepairtester.cpp and icecandidatetester.cpp. The k-th attempt of a
// bounded retry waits checkWaitUnit*k before giving up on that attempt.
const (
	checkRetries              = 20
	checkWaitUnit             = 20 * time.Millisecond
	checkRespRetransmits      = 3
	checkRespSpacing          = 20 * time.Millisecond
	nominationRetries         = 25
	controlleeNominationWaits = 128
	nominationRespRetransmits = 5
	nominationRespSpacing     = 20 * time.Millisecond
)

// Config holds everything a Coordinator needs that isn't per-session
// candidate data: the STUN server used for gathering server-reflexive
// candidates (gathering itself lives outside this core per spec.md §1),
// IPv6 participation, and the logging factory every subsystem draws its
// logger from. This replaces the teacher's file-scope flag.Bool/flag.String
// globals (internal/ice/ice.go) with an explicit value passed once at
// construction, per spec.md §9's design note.
type Config struct {
	STUNServer string
	EnableIPv6 bool

	// ControllerNominationTimeout bounds how long a controller session waits
	// for some foundation to succeed on every component; when it expires the
	// session fails with ReasonTimeout. The final-nomination exchange that
	// follows is bounded by its retransmission schedule, not by this value.
	ControllerNominationTimeout time.Duration
	// ControlleeNominationTimeout bounds how long a controllee session waits
	// for some foundation to be nominated on every component; when it
	// expires the session fails with ReasonTimeout.
	ControlleeNominationTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() Config {
	if c.ControllerNominationTimeout == 0 {
		c.ControllerNominationTimeout = 10 * time.Second
	}
	if c.ControlleeNominationTimeout == 0 {
		c.ControlleeNominationTimeout = 20 * time.Second
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}
