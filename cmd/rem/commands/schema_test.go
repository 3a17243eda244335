package commands

import (
	"strings"
	"testing"
)

func TestSchemaGeneratePrintsDDLForCoreEntities(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	stdout, _, code := runCmd(t, "schema", "generate")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, table := range []string{"resources", "messages", "moments"} {
		if !strings.Contains(stdout, table) {
			t.Errorf("expected generated DDL to mention table %q, got:\n%s", table, stdout)
		}
	}
}

func TestSchemaGenerateIncludesBackgroundIndexes(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	stdout, _, code := runCmd(t, "schema", "generate")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "INDEX") {
		t.Errorf("expected generated DDL to include at least one index, got:\n%s", stdout)
	}
}
