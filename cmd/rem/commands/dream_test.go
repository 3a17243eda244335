package commands

import "testing"

func TestDreamSubcommandsAreRegistered(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	for _, name := range []string{"affinity", "user-model", "ontology"} {
		found := false
		for _, sub := range dreamCmd.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected dream subcommand %q to be registered", name)
		}
	}
}

func TestDreamRejectsExtraArgs(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, stderr, code := runCmd(t, "dream", "affinity", "extra-arg")
	if code == 0 {
		t.Fatal("expected failure with an unexpected positional argument")
	}
	if stderr == "" {
		t.Fatal("expected an error message")
	}
}
