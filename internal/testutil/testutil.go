// Package testutil provides shared fixture and skip helpers for tests.
//
// Integration tests that need a real corpus call RequireCorpus, which skips
// with a readable reason when the corpus is not available locally:
//
//	func TestIAMIntegration(t *testing.T) {
//	    root := testutil.RequireCorpus(t, "iam")
//	    ...
//	}
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// CorpusRootEnv returns the environment variable naming the local root of
// corpus name, e.g. HTRDATA_TEST_IAM_ROOT.
func CorpusRootEnv(name string) string {
	return "HTRDATA_TEST_" + strings.ToUpper(name) + "_ROOT"
}

// RequireCorpus skips the test unless CorpusRootEnv(name) points at an
// existing directory, and returns that directory.
func RequireCorpus(tb testing.TB, name string) string {
	tb.Helper()

	env := CorpusRootEnv(name)

	root := os.Getenv(env)
	if root == "" {
		tb.Skipf("%s corpus not available; set %s to its raw directory", name, env)
		return ""
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		tb.Skipf("%s corpus not found at %s=%q", name, env, root)
		return ""
	}

	return root
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(tb testing.TB, path, content string) {
	tb.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// WritePNG writes a uniform grayscale PNG of the given size to path.
func WritePNG(tb testing.TB, path string, width, height int, value uint8) {
	tb.Helper()

	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("encode png: %v", err)
	}

	WriteFile(tb, path, buf.String())
}

// CaptureLogger returns a JSON logger writing to the returned buffer at
// debug level.
func CaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
