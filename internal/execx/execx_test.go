package execx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestOSRunner_Run(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	r := NewOSRunner(nil)
	dir := t.TempDir()

	tests := []struct {
		name     string
		cmd      Command
		wantOut  string
		wantCode int
		wantErr  bool
	}{
		{
			name:    "captures stdout and stderr",
			cmd:     Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}},
			wantOut: "out\n",
		},
		{
			name:    "uses working directory",
			cmd:     Command{Name: "sh", Args: []string{"-c", "pwd"}, Dir: dir},
			wantOut: filepath.Base(dir),
		},
		{
			name:    "applies env overlay",
			cmd:     Command{Name: "sh", Args: []string{"-c", "echo $JFBUNDLE_TEST_VALUE"}, Env: []string{"JFBUNDLE_TEST_VALUE=overlay"}},
			wantOut: "overlay",
		},
		{
			name:     "non-zero exit",
			cmd:      Command{Name: "sh", Args: []string{"-c", "echo configure: error: no compiler >&2; exit 3"}},
			wantOut:  "configure: error: no compiler",
			wantCode: 3,
			wantErr:  true,
		},
		{
			name:     "missing executable",
			cmd:      Command{Name: "jfbundle-definitely-missing"},
			wantCode: -1,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Run(context.Background(), tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(string(out), tt.wantOut) {
				t.Errorf("output %q does not contain %q", out, tt.wantOut)
			}
			if err == nil {
				return
			}
			var pe *ProcessError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ProcessError, got %T", err)
			}
			if pe.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d", pe.ExitCode, tt.wantCode)
			}
			if !strings.Contains(string(pe.Output), tt.wantOut) {
				t.Errorf("ProcessError output %q does not contain %q", pe.Output, tt.wantOut)
			}
		})
	}
}

func TestOSRunner_LongLinesVerbatim(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	const lineLen = 3 * 1024 * 1024
	var echo bytes.Buffer
	r := NewOSRunner(nil)
	r.Echo = &echo

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	script := "head -c 3145728 /dev/zero | tr '\\0' x; printf 'progress\\r'; echo done >&2"
	out, err := r.Run(ctx, Command{Name: "sh", Args: []string{"-c", script}})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if got := bytes.Count(out, []byte{'x'}); got != lineLen {
		t.Errorf("captured %d bytes of the long line, want %d", got, lineLen)
	}
	if !bytes.Contains(out, []byte("progress\r")) {
		t.Error("carriage return was not preserved")
	}
	if !bytes.Contains(out, []byte("done\n")) {
		t.Error("stderr output missing")
	}
	if !bytes.Equal(echo.Bytes(), out) {
		t.Errorf("echoed %d bytes, captured %d", echo.Len(), len(out))
	}
}

func TestOSRunner_DoesNotMutateProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	wd, _ := os.Getwd()
	t.Setenv("JFBUNDLE_TEST_VALUE", "original")

	r := NewOSRunner(nil)
	_, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "true"},
		Dir:  t.TempDir(),
		Env:  []string{"JFBUNDLE_TEST_VALUE=changed"},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if got, _ := os.Getwd(); got != wd {
		t.Errorf("working directory changed to %s", got)
	}
	if got := os.Getenv("JFBUNDLE_TEST_VALUE"); got != "original" {
		t.Errorf("environment changed to %q", got)
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv(
		[]string{"PATH=/usr/bin", "HOME=/home/u", "PKG_CONFIG_PATH=/a"},
		[]string{"PKG_CONFIG_PATH=/p/lib/pkgconfig:/a", "NEW=1"},
	)
	want := []string{"PATH=/usr/bin", "HOME=/home/u", "PKG_CONFIG_PATH=/p/lib/pkgconfig:/a", "NEW=1"}

	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("MergeEnv() = %v, want %v", got, want)
	}
}

func TestPrependList(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		dirs     []string
		want     string
	}{
		{"empty existing", "", []string{"/p/lib/pkgconfig"}, "PKG_CONFIG_PATH=/p/lib/pkgconfig"},
		{"extends existing", "/usr/lib/pkgconfig", []string{"/p/lib/pkgconfig"}, "PKG_CONFIG_PATH=/p/lib/pkgconfig:/usr/lib/pkgconfig"},
		{"several dirs", "/x", []string{"/a", "", "/b"}, "PKG_CONFIG_PATH=/a:/b:/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(string) string { return tt.existing }
			if got := PrependList(getenv, "PKG_CONFIG_PATH", tt.dirs...); got != tt.want {
				t.Errorf("PrependList() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLookPathIn(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "patchelf")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	plain := filepath.Join(dir, "notexec")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LookPathIn("patchelf", JoinList("/nonexistent", dir))
	if err != nil {
		t.Fatalf("LookPathIn() failed: %v", err)
	}
	if got != exe {
		t.Errorf("LookPathIn() = %s, want %s", got, exe)
	}

	if _, err := LookPathIn("notexec", dir); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for non-executable file, got %v", err)
	}
	if _, err := LookPathIn("patchelf", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty path, got %v", err)
	}
}
