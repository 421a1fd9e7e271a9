package mesh

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadTableParsesWellFormedManifest(t *testing.T) {
	path := writeManifest(t, `
routes:
  - source: agent_x
    type: anomaly.detected
    targets: [immune]
    priority: 1
`)
	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if len(table.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(table.Routes))
	}
	if table.Routes[0].Targets[0] != "immune" {
		t.Fatalf("expected target immune, got %v", table.Routes[0].Targets)
	}
}

func TestLoadTableRejectsUnknownFields(t *testing.T) {
	path := writeManifest(t, `
routes:
  - source: agent_x
    type: anomaly.detected
    traget: [immune]
`)
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected a typo'd manifest key to fail to load, got no error")
	}
}

func TestLoadTableRejectsRouteWithNoTargets(t *testing.T) {
	path := writeManifest(t, `
routes:
  - source: agent_x
    type: anomaly.detected
    targets: []
`)
	if _, err := LoadTable(path); err == nil {
		t.Fatalf("expected a route with no targets to fail validation")
	}
}
