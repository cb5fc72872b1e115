package ice

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
)

// freeUDPPort hands back a loopback port nothing is listening on at the
// moment this function returns, for tests that need to know a candidate's
// port before the Coordinator itself binds it.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func hostCandidate(port int, localPref int) CandidateInfo {
	return CandidateInfo{
		Foundation: "host1",
		Component:  1,
		Address:    "127.0.0.1",
		Port:       port,
		Type:       CandidateHost,
		Priority:   ComputePriority(CandidateHost, localPref, 1),
	}
}

func TestCoordinatorEndToEndSuccess(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()

	ctrlPort := freeUDPPort(t)
	cleePort := freeUDPPort(t)

	ctrlLocal := hostCandidate(ctrlPort, 65535)
	cleeLocal := hostCandidate(cleePort, 65535)

	ctrlCoord := NewCoordinator(Config{LoggerFactory: loggerFactory})
	cleeCoord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var ctrlRecord, cleeRecord *NominationRecord
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := ctrlCoord.StartSession(ctx, 1, []CandidateInfo{ctrlLocal}, []CandidateInfo{cleeLocal}, true)
		if err != nil {
			t.Errorf("controller StartSession: %v", err)
			return
		}
		ctrlRecord = r
	}()
	go func() {
		defer wg.Done()
		r, err := cleeCoord.StartSession(ctx, 2, []CandidateInfo{cleeLocal}, []CandidateInfo{ctrlLocal}, false)
		if err != nil {
			t.Errorf("controllee StartSession: %v", err)
			return
		}
		cleeRecord = r
	}()
	wg.Wait()

	if ctrlRecord == nil || ctrlRecord.Status != NominationSucceeded {
		t.Fatalf("controller record = %+v, want NominationSucceeded", ctrlRecord)
	}
	if cleeRecord == nil || cleeRecord.Status != NominationSucceeded {
		t.Fatalf("controllee record = %+v, want NominationSucceeded", cleeRecord)
	}
	if len(ctrlRecord.Results) != 1 || ctrlRecord.Results[0].Component != 1 {
		t.Errorf("controller Results = %+v, want one component-1 result", ctrlRecord.Results)
	}
}

func TestCoordinatorRejectsZeroSessionIDWithoutPanicking(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	local := hostCandidate(freeUDPPort(t), 65535)
	remote := hostCandidate(freeUDPPort(t), 65535)

	record, err := coord.StartSession(context.Background(), 0, []CandidateInfo{local}, []CandidateInfo{remote}, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if record.Status != NominationFailed || record.Reason != ReasonProgrammerError {
		t.Errorf("record = %+v, want NominationFailed/ReasonProgrammerError", record)
	}
}

func TestCoordinatorRejectsEmptyCandidateListsWithoutPanicking(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	remote := hostCandidate(freeUDPPort(t), 65535)

	record, err := coord.StartSession(context.Background(), 7, nil, []CandidateInfo{remote}, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if record.Status != NominationFailed || record.Reason != ReasonProgrammerError {
		t.Errorf("record (empty local) = %+v, want NominationFailed/ReasonProgrammerError", record)
	}

	local := hostCandidate(freeUDPPort(t), 65535)
	record, err = coord.StartSession(context.Background(), 8, []CandidateInfo{local}, nil, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if record.Status != NominationFailed || record.Reason != ReasonProgrammerError {
		t.Errorf("record (empty remote) = %+v, want NominationFailed/ReasonProgrammerError", record)
	}
}

func TestCoordinatorFailsOnBindFailure(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	// Port 1 is privileged/unbindable for a non-root test process on every
	// platform this runs on.
	unbindable := hostCandidate(1, 65535)
	remote := hostCandidate(freeUDPPort(t), 65535)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	record, err := coord.StartSession(ctx, 3, []CandidateInfo{unbindable}, []CandidateInfo{remote}, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if record.Status != NominationFailed || record.Reason != ReasonBindFailure {
		t.Errorf("record = %+v, want NominationFailed/ReasonBindFailure", record)
	}
}

func TestCoordinatorTimesOutWithNoPeer(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{
		LoggerFactory:               loggerFactory,
		ControllerNominationTimeout: 200 * time.Millisecond,
	})

	local := hostCandidate(freeUDPPort(t), 65535)
	unreachable := hostCandidate(freeUDPPort(t), 65534) // nothing bound there

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	record, err := coord.StartSession(ctx, 4, []CandidateInfo{local}, []CandidateInfo{unreachable}, true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if record.Status != NominationFailed || record.Reason != ReasonTimeout {
		t.Errorf("record = %+v, want NominationFailed/ReasonTimeout", record)
	}
}

func TestCoordinatorCancelSession(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{
		LoggerFactory:               loggerFactory,
		ControllerNominationTimeout: 5 * time.Second,
	})

	local := hostCandidate(freeUDPPort(t), 65535)
	unreachable := hostCandidate(freeUDPPort(t), 65534)

	ctx := context.Background()
	done := make(chan *NominationRecord, 1)
	go func() {
		record, _ := coord.StartSession(ctx, 5, []CandidateInfo{local}, []CandidateInfo{unreachable}, true)
		done <- record
	}()

	time.Sleep(50 * time.Millisecond)
	coord.CancelSession(5)

	select {
	case record := <-done:
		if record.Status != NominationFailed || record.Reason != ReasonCancelled {
			t.Errorf("record = %+v, want NominationFailed/ReasonCancelled", record)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CancelSession did not unblock StartSession")
	}
}

func TestCoordinatorJoinsInFlightSessionWithSameCandidates(t *testing.T) {
	loggerFactory := logging.NewDefaultLoggerFactory()
	coord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	ctrlPort := freeUDPPort(t)
	cleePort := freeUDPPort(t)
	local := hostCandidate(ctrlPort, 65535)
	remote := hostCandidate(cleePort, 65535)

	cleeCoord := NewCoordinator(Config{LoggerFactory: loggerFactory})

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	go cleeCoord.StartSession(ctx, 100, []CandidateInfo{remote}, []CandidateInfo{local}, false)

	var wg sync.WaitGroup
	results := make([]*NominationRecord, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := coord.StartSession(ctx, 6, []CandidateInfo{local}, []CandidateInfo{remote}, true)
			if err != nil {
				t.Errorf("StartSession[%d]: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	if results[0] != results[1] {
		t.Error("two StartSession calls for the same session id/candidates should return the identical cached record")
	}
	if results[0] == nil || results[0].Status != NominationSucceeded {
		t.Fatalf("record = %+v, want NominationSucceeded", results[0])
	}
}

func TestPairSpecsFromOnlyPairsMatchingComponents(t *testing.T) {
	local := []CandidateInfo{
		{Component: 1, Address: "10.0.0.1", Port: 1},
		{Component: 2, Address: "10.0.0.1", Port: 2},
	}
	remote := []CandidateInfo{
		{Component: 1, Address: "10.0.0.2", Port: 1},
	}
	specs := pairSpecsFrom(local, remote)
	if len(specs) != 1 {
		t.Fatalf("pairSpecsFrom returned %d specs, want 1", len(specs))
	}
	if specs[0].Local.Component != 1 || specs[0].Remote.Component != 1 {
		t.Errorf("pairSpecsFrom matched across components: %+v", specs[0])
	}
}

func TestEqualPairSpecSetsIgnoresOrder(t *testing.T) {
	a := []pairSpec{
		{Local: CandidateInfo{Port: 1}, Remote: CandidateInfo{Port: 2}},
		{Local: CandidateInfo{Port: 3}, Remote: CandidateInfo{Port: 4}},
	}
	b := []pairSpec{a[1], a[0]}
	if !equalPairSpecSets(a, b) {
		t.Error("equalPairSpecSets should ignore element order")
	}

	c := []pairSpec{a[0]}
	if equalPairSpecSets(a, c) {
		t.Error("equalPairSpecSets should not consider sets of different sizes equal")
	}
}
