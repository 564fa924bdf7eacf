package logdiscovery

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeRoundTripApprox(t *testing.T) {
	enc := EncodeProjectPath("/home/dev/my_project.v2")
	want := "-home-dev-my-project-v2"
	if enc != want {
		t.Fatalf("EncodeProjectPath = %q, want %q", enc, want)
	}
	// Decoding is lossy (., _ and / all collapse to -) but should still
	// produce a plausible absolute path.
	dec := normalizeEncoded(enc)
	if dec[0] != '/' {
		t.Fatalf("decoded path %q should be absolute", dec)
	}
}

func TestDiscoverFindsJSONLFilesAndDecodesProjectPath(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-home-dev-myproj")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(projDir, "session-abc123.jsonl")
	if err := os.WriteFile(logPath, []byte(`{"type":"other"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	files := Discover(root, "")
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	f := files[0]
	if f.SessionID != "session-abc123" {
		t.Errorf("sessionID = %q", f.SessionID)
	}
	if f.ProjectPath != "/home/dev/myproj" {
		t.Errorf("projectPath = %q, want decoded dir name", f.ProjectPath)
	}
	if f.IsSubagent {
		t.Error("should not be marked subagent without session_meta")
	}
}

func TestDiscoverPrefersSessionMetaProjectPath(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-tmp-encoded-name")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(projDir, "sess1.jsonl")
	meta := `{"session_meta":{"payload":{"source":"cli","cwd":"/real/project/path"}}}` + "\n"
	if err := os.WriteFile(logPath, []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	files := Discover(root, "")
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if files[0].ProjectPath != "/real/project/path" {
		t.Errorf("projectPath = %q, want session_meta cwd", files[0].ProjectPath)
	}
	if files[0].IsSubagent {
		t.Error("source=cli should not be marked subagent")
	}
}

func TestDiscoverMarksSubagentWhenSourceNotCLI(t *testing.T) {
	root := t.TempDir()
	projDir := filepath.Join(root, "-tmp-encoded-name")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(projDir, "sub1.jsonl")
	meta := `{"session_meta":{"payload":{"source":"subagent","cwd":"/real/project/path"}}}` + "\n"
	if err := os.WriteFile(logPath, []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	files := Discover(root, "")
	if len(files) != 1 || !files[0].IsSubagent {
		t.Fatalf("expected one subagent log, got %+v", files)
	}
}

func TestDiscoverMissingRootIsNotError(t *testing.T) {
	files := Discover(filepath.Join(t.TempDir(), "does-not-exist"), "")
	if files != nil {
		t.Fatalf("expected nil for missing root, got %v", files)
	}
}
