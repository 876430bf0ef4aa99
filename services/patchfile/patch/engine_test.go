// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	pferrors "github.com/AleutianAI/PatchFile/pkg/errors"
)

// setupTestDir creates a temporary directory with test files.
func setupTestDir(t *testing.T) (string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "patch_engine_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	files := map[string]string{
		"greet.txt": "hello world\n",
		"main.py": `def hello():
    print("Hello")

def goodbye():
    print("Goodbye")
`,
		"dupes.py": "x = 1\nx = 1\nx = 1\n",
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte(content), 0644); err != nil {
			os.RemoveAll(tmpDir)
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	return tmpDir, func() { os.RemoveAll(tmpDir) }
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}

func TestEngine_ApplyPayload_ThenRepeat(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "greet.txt")
	payload := "<<<<<<< SEARCH\nhello world\n=======\nhello mars\n>>>>>>> REPLACE"
	engine := NewEngine()

	out, err := engine.ApplyPayload(context.Background(), path, payload)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !out.Success || out.BlocksApplied != 1 || !out.Changed {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if got := readFile(t, path); got != "hello mars\n" {
		t.Errorf("content = %q", got)
	}
	if out.ContentHash != ContentHash([]byte("hello mars\n")) {
		t.Error("ContentHash does not match new content")
	}

	out, err = engine.ApplyPayload(context.Background(), path, payload)
	if err == nil {
		t.Fatal("second apply should fail")
	}
	if !pferrors.IsNotFound(err) {
		t.Errorf("expected not_found, got %v", err)
	}
	if out.Success {
		t.Error("outcome should not be successful")
	}
	if got := readFile(t, path); got != "hello mars\n" {
		t.Errorf("file changed on failure: %q", got)
	}
}

func TestEngine_Apply_AllOrNothing(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "main.py")
	before := readFile(t, path)
	info, _ := os.Stat(path)

	_, err := NewEngine().Apply(context.Background(), Request{
		Path: path,
		Blocks: []Block{
			{Search: `print("Hello")`, Replace: `print("Hi")`},
			{Search: `print("Missing")`, Replace: `print("Nope")`},
		},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected *NotFoundError, got %T", err)
	}
	if nf.Block != 2 {
		t.Errorf("Block = %d, want 2", nf.Block)
	}
	if got := readFile(t, path); got != before {
		t.Error("file modified despite failed block")
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("mtime changed despite failed block")
	}
}

func TestEngine_Apply_SequentialBlocks(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "main.py")
	out, err := NewEngine().Apply(context.Background(), Request{
		Path: path,
		Blocks: []Block{
			{Search: `print("Hello")`, Replace: `print("Hello again")`},
			// Matches only text introduced by the first block.
			{Search: `"Hello again"`, Replace: `"Hello, World!"`},
			{Search: `print("Goodbye")`, Replace: `print("Bye")`},
		},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.BlocksApplied != 3 {
		t.Errorf("BlocksApplied = %d, want 3", out.BlocksApplied)
	}

	got := readFile(t, path)
	if !strings.Contains(got, `print("Hello, World!")`) || !strings.Contains(got, `print("Bye")`) {
		t.Errorf("unexpected content:\n%s", got)
	}
}

func TestEngine_Apply_Ambiguous(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "dupes.py")
	_, err := NewEngine().Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: "x = 1", Replace: "x = 2"}},
	})
	if !pferrors.IsAmbiguous(err) {
		t.Fatalf("expected ambiguous error, got %v", err)
	}

	var am *AmbiguousMatchError
	if !errors.As(err, &am) {
		t.Fatalf("expected *AmbiguousMatchError, got %T", err)
	}
	if am.MatchCount != 3 {
		t.Errorf("MatchCount = %d, want 3", am.MatchCount)
	}
	if !strings.Contains(err.Error(), "matches 3 times") {
		t.Errorf("message = %q", err.Error())
	}
	if got := readFile(t, path); got != "x = 1\nx = 1\nx = 1\n" {
		t.Error("file modified on ambiguous match")
	}
}

func TestEngine_Apply_NoopSkipsWrite(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "greet.txt")
	info, _ := os.Stat(path)

	out, err := NewEngine().Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: "hello", Replace: "hello"}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !out.Success || out.Changed {
		t.Errorf("expected unchanged success, got %+v", out)
	}
	if out.Diff != "" {
		t.Errorf("expected empty diff, got %q", out.Diff)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(info.ModTime()) {
		t.Error("no-op patch rewrote the file")
	}
}

func TestEngine_Apply_EmptyFile(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "empty.py")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := NewEngine().Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: "", Replace: "import os\n"}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := readFile(t, path); got != "import os\n" {
		t.Errorf("content = %q", got)
	}
}

func TestEngine_Apply_PreservesPermissions(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "run.sh")
	if err := os.WriteFile(path, []byte("echo one\n"), 0755); err != nil {
		t.Fatal(err)
	}

	_, err := NewEngine().Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: "one", Replace: "two"}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(tmpDir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestEngine_Apply_IOErrors(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	engine := NewEngine(WithMaxFileSize(4))
	blocks := []Block{{Search: "a", Replace: "b"}}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(tmpDir, "nope.py")},
		{"directory", tmpDir},
		{"too large", filepath.Join(tmpDir, "greet.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := engine.Apply(context.Background(), Request{Path: tt.path, Blocks: blocks})
			if err == nil {
				t.Fatal("expected error")
			}
			if pferrors.CodeOf(err) != pferrors.CodePatchIO {
				t.Errorf("code = %q, want %q", pferrors.CodeOf(err), pferrors.CodePatchIO)
			}
			if out == nil || out.Success {
				t.Error("expected non-nil failed outcome")
			}
		})
	}
}

func TestEngine_Apply_CancelledContext(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(tmpDir, "greet.txt")
	_, err := NewEngine().Apply(ctx, Request{
		Path:   path,
		Blocks: []Block{{Search: "hello", Replace: "bye"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := readFile(t, path); got != "hello world\n" {
		t.Error("file modified with cancelled context")
	}
}

func TestEngine_ApplyPayload_ParseErrorBeforeFileAccess(t *testing.T) {
	// The path does not exist; a parse error must win over the I/O error.
	_, err := NewEngine().ApplyPayload(context.Background(), "/definitely/not/here.py", "<<<<<<< SEARCH\nx\n")
	if !pferrors.IsParse(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestEngine_Apply_Diff(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "main.py")
	out, err := NewEngine().Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: `    print("Goodbye")`, Replace: "    print(\"Goodbye\")\n    return None"}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.Stat.Added != 1 || out.Stat.Deleted != 0 {
		t.Errorf("Stat = %+v, want 1 added", out.Stat)
	}
	if !strings.Contains(out.Diff, "+    return None") {
		t.Errorf("diff missing added line:\n%s", out.Diff)
	}
	if !strings.Contains(out.Diff, "@@") {
		t.Errorf("diff has no hunk header:\n%s", out.Diff)
	}

	out, err = NewEngine(WithoutDiff()).Apply(context.Background(), Request{
		Path:   path,
		Blocks: []Block{{Search: "return None", Replace: "return 0"}},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out.Diff != "" {
		t.Error("WithoutDiff still produced a diff")
	}
}

func TestApplyBlocks_CRLFContent(t *testing.T) {
	content := "line one\r\nline two\r\nline three\r\n"
	got, err := ApplyBlocks(content, []Block{{Search: "line two\r\n", Replace: "line 2\r\n"}})
	if err != nil {
		t.Fatalf("ApplyBlocks() error = %v", err)
	}
	if got != "line one\r\nline 2\r\nline three\r\n" {
		t.Errorf("got %q", got)
	}
}

func TestApplyBlocks_NearMatchHint(t *testing.T) {
	content := "def compute(a, b):\n    total = a + b\n    return total\n"

	t.Run("indentation differs", func(t *testing.T) {
		_, err := ApplyBlocks(content, []Block{{
			Search:  "def compute(a, b):\n  total = a + b",
			Replace: "def compute(a, b):\n  total = a * b",
		}})
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected *NotFoundError, got %v", err)
		}
		if !strings.Contains(nf.Hint, HintHeader) {
			t.Errorf("hint missing header: %q", nf.Hint)
		}
		if !strings.Contains(nf.Hint, "    2:     total = a + b  <-- likely match") {
			t.Errorf("hint missing annotated line:\n%s", nf.Hint)
		}
		if !strings.Contains(err.Error(), HintHeader) {
			t.Error("error message does not carry the hint")
		}
	})

	t.Run("single line search gets no hint", func(t *testing.T) {
		_, err := ApplyBlocks(content, []Block{{Search: "  total   =   a + b   plus more", Replace: ""}})
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected *NotFoundError, got %v", err)
		}
		if nf.Hint != "" {
			t.Errorf("unexpected hint: %q", nf.Hint)
		}
	})

	t.Run("short search gets no hint", func(t *testing.T) {
		_, err := ApplyBlocks(content, []Block{{Search: "a\n b", Replace: ""}})
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected *NotFoundError, got %v", err)
		}
		if nf.Hint != "" {
			t.Errorf("unexpected hint: %q", nf.Hint)
		}
	})

	t.Run("unrelated text gets no hint", func(t *testing.T) {
		_, err := ApplyBlocks(content, []Block{{Search: "class Widget:\n    pass\n    more stuff here", Replace: ""}})
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("expected *NotFoundError, got %v", err)
		}
		if nf.Hint != "" {
			t.Errorf("unexpected hint: %q", nf.Hint)
		}
	})
}

func TestApplyBlocks_NearMatchHintTypoPosition(t *testing.T) {
	fileLines := []string{
		"def handler(request):",
		"    user = request.user",
		"    if user is None:",
		"        raise PermissionError",
		"    data = load(user.id)",
		"    result = transform(data)",
		"    return result",
	}
	content := "import os\n\n" + strings.Join(fileLines, "\n") + "\n"

	tests := []struct {
		name     string
		typoLine int
		wantLine string
	}{
		{"first line", 0, "    4:     user = request.user  <-- likely match"},
		{"middle line", 3, "    3: def handler(request):  <-- likely match"},
		{"last line", 6, "    3: def handler(request):  <-- likely match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searchLines := append([]string(nil), fileLines...)
			searchLines[tt.typoLine] = searchLines[tt.typoLine] + " # typo"

			_, err := ApplyBlocks(content, []Block{{Search: strings.Join(searchLines, "\n"), Replace: "pass"}})
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				t.Fatalf("expected *NotFoundError, got %v", err)
			}
			if !strings.Contains(nf.Hint, HintHeader+" at lines 3-9") {
				t.Fatalf("hint missing or misplaced:\n%s", nf.Hint)
			}
			if !strings.Contains(nf.Hint, tt.wantLine) {
				t.Errorf("hint missing %q:\n%s", tt.wantLine, nf.Hint)
			}
			typo := fmt.Sprintf("%5d: %s\n", tt.typoLine+3, fileLines[tt.typoLine])
			if !strings.Contains(nf.Hint, typo) {
				t.Errorf("typo line should not be marked as a match:\n%s", nf.Hint)
			}
		})
	}
}

func TestVerifyAndWrite_Conflict(t *testing.T) {
	tmpDir, cleanup := setupTestDir(t)
	defer cleanup()

	path := filepath.Join(tmpDir, "greet.txt")
	staleHash := ContentHash([]byte("something else entirely\n"))

	err := verifyAndWrite(path, staleHash, []byte("new\n"), 0644)
	if !pferrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("conflict error does not unwrap to ErrConflict")
	}
	if got := readFile(t, path); got != "hello world\n" {
		t.Errorf("file overwritten on conflict: %q", got)
	}
}

func TestPreview_Truncates(t *testing.T) {
	long := strings.Repeat("line\n", 20)
	got := preview(long)
	if !strings.HasSuffix(got, "\n...") {
		t.Errorf("expected truncation marker, got %q", got)
	}
	if strings.Count(got, "line") != previewMaxLines {
		t.Errorf("expected %d lines, got %q", previewMaxLines, got)
	}
}

func TestPreview_CutsAtRuneBoundary(t *testing.T) {
	for _, offset := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("offset %d", offset), func(t *testing.T) {
			// "é" is two bytes, "€" three; shifting the ASCII prefix moves
			// the cut into every byte position of a rune.
			long := strings.Repeat("x", offset) + strings.Repeat("é€", previewMaxChars)
			got := preview(long)

			body := strings.TrimSuffix(got, "\n...")
			if body == got {
				t.Fatalf("expected truncation marker, got %q", got)
			}
			if !utf8.ValidString(body) {
				t.Errorf("preview split a rune: %q", body[len(body)-4:])
			}
			if len(body) > previewMaxChars || len(body) < previewMaxChars-3 {
				t.Errorf("preview length = %d, want within 3 bytes of %d", len(body), previewMaxChars)
			}
		})
	}
}
