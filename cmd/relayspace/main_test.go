package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/relayspace/internal/relayspace"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTriggerBackupWritesTriggerFile(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "trigger-backup", "--data-dir", dir)
	if err != nil {
		t.Fatalf("trigger-backup: %v (%s)", err, out)
	}
	if _, err := os.Stat(filepath.Join(dir, relayspace.TriggerFileName)); err != nil {
		t.Fatalf("expected trigger file: %v", err)
	}
}

func TestTriggerBackupCallsAdminEndpoint(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	t.Setenv("RELAYSPACE_ADMIN_TOKEN", "from-env")
	out, err := run(t, "trigger-backup", "--data-dir", t.TempDir(), "--url", srv.URL+"/")
	if err != nil {
		t.Fatalf("trigger-backup: %v (%s)", err, out)
	}
	if gotPath != "/v1/admin/backup" || gotAuth != "Bearer from-env" {
		t.Fatalf("unexpected request %s with %q", gotPath, gotAuth)
	}
	if !strings.Contains(out, "backup scheduled") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTriggerBackupReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := run(t, "trigger-backup", "--data-dir", t.TempDir(), "--url", srv.URL, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected a 401 error, got %v", err)
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("RELAYSPACE_WORKERS", "lots")
	_, err := run(t, "serve", "--data-dir", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "RELAYSPACE_WORKERS") {
		t.Fatalf("expected config error, got %v", err)
	}
}
