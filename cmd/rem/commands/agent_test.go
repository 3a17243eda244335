package commands

import (
	"strings"
	"testing"
)

func TestAgentRunRequiresMessage(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, stderr, code := runCmd(t, "agent", "run", "some-schema")
	if code == 0 {
		t.Fatal("expected failure without --message")
	}
	if !strings.Contains(stderr, "message is required") {
		t.Errorf("expected a message-required error, got: %s", stderr)
	}
}

func TestAgentRunRequiresSchemaNameArg(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, stderr, code := runCmd(t, "agent", "run", "--message", "hi")
	if code == 0 {
		t.Fatal("expected failure without a schema name argument")
	}
	if stderr == "" {
		t.Fatal("expected an error message")
	}
}
