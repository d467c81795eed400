package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"gamdam/internal/config"
)

func runCLI(t *testing.T, args []string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("output %q does not contain %q", haystack, needle)
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, []string{"config", "init", "--path", target})
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, []string{"config", "init", "--path", target}); err == nil {
		t.Fatal("second init without --overwrite should fail")
	}
	if _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigShowDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	out, err := runCLI(t, []string{"config", "show", "--config", missing})
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "showing defaults")
	requireContains(t, out, "backlog_limit = 1000")
}

func TestRejectExtraArgs(t *testing.T) {
	if _, err := runCLI(t, []string{"a.jsonl", "b.jsonl"}); err == nil {
		t.Fatal("expected an argument count error")
	}
}

func TestSaveFlagsMutuallyExclusive(t *testing.T) {
	if _, err := runCLI(t, []string{"--save", "--no-save", "-"}); err == nil {
		t.Fatal("expected --save and --no-save to conflict")
	}
}

func TestBatchFlagOverrides(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.toml")
	contents := "[commit]\nmessage = \"from file\"\n\n[downloads]\njobs = 2\n"
	if err := os.WriteFile(configFile, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	var captured *config.Config
	var infile string
	origRun := runBatchFn
	runBatchFn = func(_ *cobra.Command, cfg *config.Config, in string) error {
		captured = cfg
		infile = in
		return nil
	}
	defer func() { runBatchFn = origRun }()

	_, err := runCLI(t, []string{
		"--config", configFile,
		"--jobs", "5",
		"--addurl-opts", "--user-agent 'gamdam test'",
		"--message", "grabbed {downloaded}",
		"--no-save-on-fail",
		"-l", "DEBUG",
		"requests.jsonl",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if captured == nil {
		t.Fatal("batch never ran")
	}
	if infile != "requests.jsonl" {
		t.Fatalf("infile = %q", infile)
	}
	if captured.Downloads.Jobs != 5 {
		t.Fatalf("jobs = %d, want the flag to beat the file", captured.Downloads.Jobs)
	}
	wantOpts := []string{"--user-agent", "gamdam test"}
	if len(captured.Downloads.AddurlOptions) != 2 ||
		captured.Downloads.AddurlOptions[0] != wantOpts[0] ||
		captured.Downloads.AddurlOptions[1] != wantOpts[1] {
		t.Fatalf("addurl options = %+v, want %+v", captured.Downloads.AddurlOptions, wantOpts)
	}
	if captured.Commit.Message != "grabbed {downloaded}" {
		t.Fatalf("message = %q", captured.Commit.Message)
	}
	if captured.Commit.SaveOnFail {
		t.Fatal("--no-save-on-fail not applied")
	}
	if captured.Logging.Level != "debug" {
		t.Fatalf("level = %q, want lowercased debug", captured.Logging.Level)
	}
}

func TestDefaultInfileIsStdin(t *testing.T) {
	var infile string
	origRun := runBatchFn
	runBatchFn = func(_ *cobra.Command, _ *config.Config, in string) error {
		infile = in
		return nil
	}
	defer func() { runBatchFn = origRun }()

	if _, err := runCLI(t, []string{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if infile != "-" {
		t.Fatalf("infile = %q, want -", infile)
	}
}
