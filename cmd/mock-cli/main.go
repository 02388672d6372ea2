// Package main implements a mock Claude Code CLI binary that speaks the
// stream-json protocol over stdin/stdout. It generates simulated turns for
// development and integration testing of the bridge without spending tokens.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// sessionID identifies this mock process. Each session spawns its own
// process, so the PID keeps parallel sessions distinct.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	model := parseFlag(os.Args, "--model", "mock-default")
	mode := parseFlag(os.Args, "--permission-mode", claudecode.PermissionModeDefault)
	if resume := parseFlag(os.Args, "--resume", ""); resume != "" {
		sessionID = resume
	}

	m := newMock(os.Stdout, sessionID, model, mode)
	if err := m.run(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "mock-cli: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlag extracts a flag value from the args slice, accepting both
// "--flag value" and "--flag=value" syntax.
func parseFlag(args []string, name, fallback string) string {
	for i, arg := range args[1:] {
		if arg == name && i+1 < len(args)-1 {
			return args[i+2]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return fallback
}
