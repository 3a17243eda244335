package schemagen

import (
	"strings"
	"testing"

	"github.com/percolation-labs/rem/internal/models"
)

func TestGenerateIncludesEmbeddingsAndTrigger(t *testing.T) {
	reg := models.CoreRegistry()
	sql := Generate(reg)

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS resources",
		"CREATE TABLE IF NOT EXISTS embeddings_resources",
		"sync_kv_resources",
		"gin_trgm_ops",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("generated schema missing %q", want)
		}
	}
}

func TestDiffReportsMissingTables(t *testing.T) {
	reg := models.CoreRegistry()
	existing := map[string]bool{"resources": true, "messages": true}
	missing := Diff(reg, existing)

	if len(missing) != 6 {
		t.Fatalf("Diff() = %v, want 6 missing tables", missing)
	}
}

func TestBackgroundIndexesOnlyEmbeddableTables(t *testing.T) {
	reg := models.CoreRegistry()
	sql := BackgroundIndexes(reg)

	if !strings.Contains(sql, "embeddings_resources") {
		t.Errorf("expected background index for embeddings_resources")
	}
	if strings.Contains(sql, "embeddings_files") {
		t.Errorf("files has no embeddable field, should not get a background index")
	}
}
