package chain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    description: test network
  mainnet:
    rpc_url: https://rpc.mainnet.example
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	def, err := defs.Resolve("sepolia")
	if err != nil {
		t.Fatalf("resolve sepolia: %v", err)
	}
	if def.RPCURL != "https://rpc.sepolia.example" {
		t.Fatalf("unexpected rpc url: %q", def.RPCURL)
	}

	_, err = defs.Resolve("unknown")
	if err == nil {
		t.Fatalf("expected error for unknown chain")
	}
	if !strings.Contains(err.Error(), "sepolia") {
		t.Fatalf("error should list known chains: %v", err)
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("empty path should yield empty definitions: %v", err)
	}
	if len(defs.Chains) != 0 {
		t.Fatalf("expected no chains, got %d", len(defs.Chains))
	}
}

func TestLoadDefinitionsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte("chains: ["), 0o644); err != nil {
		t.Fatalf("write chains file: %v", err)
	}
	if _, err := LoadDefinitions(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
