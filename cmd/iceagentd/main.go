// Command iceagentd drives a single ICE connectivity-check session from a
// pair of JSON candidate files and prints the elected pairs, or the reason
// nomination failed, to stdout. It is scaffolding around the core, not
// part of its public contract.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/iceagent/internal/ice"
)

var (
	localPath    = flag.String("local", "", "path to a JSON array of local candidates")
	remotePath   = flag.String("remote", "", "path to a JSON array of remote candidates")
	isController = flag.Bool("controller", false, "run as the controlling agent")
	stunServer   = flag.String("stun-server", "", "STUN server used during gathering (informational only)")
	enableIPv6   = flag.Bool("ipv6", false, "IPv6 participation flag (informational only)")
	timeout      = flag.Duration("timeout", 20*time.Second, "overall session timeout")
	logLevel     = flag.String("log-level", "info", "trace, debug, info, warn, or error")
)

func main() {
	flag.Parse()
	if *localPath == "" || *remotePath == "" {
		fmt.Fprintln(os.Stderr, "iceagentd: --local and --remote are required")
		os.Exit(2)
	}

	local, err := readCandidates(*localPath)
	if err != nil {
		fatal("reading local candidates: %v", err)
	}
	remote, err := readCandidates(*remotePath)
	if err != nil {
		fatal("reading remote candidates: %v", err)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = parseLogLevel(*logLevel)

	coordinator := ice.NewCoordinator(ice.Config{
		STUNServer:    *stunServer,
		EnableIPv6:    *enableIPv6,
		LoggerFactory: loggerFactory,
	})

	id := uuid.New()
	sessionID := binary.BigEndian.Uint64(id[:8])
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	record, err := coordinator.StartSession(ctx, sessionID, local, remote, *isController)
	if err != nil {
		fatal("session: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		fatal("encoding result: %v", err)
	}
	if record.Status != ice.NominationSucceeded {
		os.Exit(1)
	}
}

func readCandidates(path string) ([]ice.CandidateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var candidates []ice.CandidateInfo
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "iceagentd: "+format+"\n", args...)
	os.Exit(1)
}
