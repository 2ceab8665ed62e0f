package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderTemplateSubstitutesExecutablePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "unit.service")

	if err := renderTemplate(path, systemdUnitTemplate, "/usr/local/bin/goclawd"); err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	if !strings.Contains(string(data), "ExecStart=/usr/local/bin/goclawd start") {
		t.Fatalf("rendered unit missing ExecStart line: %s", data)
	}
}

func TestRenderTemplateLaunchdPlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "com.goclawd.daemon.plist")

	if err := renderTemplate(path, launchdPlistTemplate, "/opt/goclawd"); err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rendered file: %v", err)
	}
	if !strings.Contains(string(data), "<string>/opt/goclawd</string>") {
		t.Fatalf("rendered plist missing executable path: %s", data)
	}
}

func TestRenderTemplateRejectsUnwritablePath(t *testing.T) {
	err := renderTemplate(filepath.Join(t.TempDir(), "missing-dir", "unit.service"), systemdUnitTemplate, "/bin/goclawd")
	if err == nil {
		t.Fatal("expected error writing into a nonexistent directory")
	}
}
