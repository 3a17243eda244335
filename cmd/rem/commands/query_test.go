package commands

import (
	"strings"
	"testing"
)

func TestQueryRequiresAtLeastOneArg(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, stderr, code := runCmd(t, "query")
	if code == 0 {
		t.Fatal("expected failure with no query string")
	}
	if stderr == "" {
		t.Fatal("expected an error message")
	}
}

func TestQueryRejectsUnknownMode(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, stderr, code := runCmd(t, "query", "BOGUS", "table=resources")
	if code == 0 {
		t.Fatal("expected a parse failure for an unrecognized query mode")
	}
	if !strings.Contains(stderr, "parsing query") {
		t.Errorf("expected a parsing query error, got: %s", stderr)
	}
}
