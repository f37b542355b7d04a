package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunCheck_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "valid.hcl")

	validConfig := `
interface = "ap0"
subnet    = "192.168.43.0/24"

blocklist {
  backend = "memory"
}
`
	if err := os.WriteFile(configPath, []byte(validConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if err := RunCheck(configPath, false); err != nil {
		t.Errorf("RunCheck() error = %v, want nil", err)
	}
	if err := RunCheck(configPath, true); err != nil {
		t.Errorf("RunCheck(verbose) error = %v, want nil", err)
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()

	for name, body := range map[string]string{
		"syntax.hcl":  "monitor {\n  # missing closing brace\n",
		"subnet.hcl":  `subnet = "not-a-subnet"`,
		"backend.hcl": "blocklist {\n  backend = \"pf\"\n}\n",
	} {
		configPath := filepath.Join(tmpDir, name)
		if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		if err := RunCheck(configPath, false); err == nil {
			t.Errorf("RunCheck(%s) error = nil, want error", name)
		}
	}
}

func TestRunCheck_MissingFile(t *testing.T) {
	if err := RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false); err == nil {
		t.Error("RunCheck() error = nil for a missing file")
	}
	if err := RunCheck("", false); err == nil {
		t.Error("RunCheck() error = nil for an empty path")
	}
}
