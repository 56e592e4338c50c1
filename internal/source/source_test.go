package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
)

func newTestFetcher() *Fetcher {
	f := NewFetcher(nil)
	f.downloader.backoff = time.Millisecond
	return f
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeSignedFixture creates a keyring and an armored detached signature
// for data, returning their paths.
func writeSignedFixture(t *testing.T, dir string, data []byte) (keyring, signature string) {
	t.Helper()

	entity, err := openpgp.NewEntity("Jellyfish Release", "test", "release@example.org", nil)
	if err != nil {
		t.Fatalf("failed to create entity: %v", err)
	}

	var pub bytes.Buffer
	if err := entity.Serialize(&pub); err != nil {
		t.Fatalf("failed to serialize public key: %v", err)
	}
	keyring = filepath.Join(dir, "jellyfish.gpg")
	if err := os.WriteFile(keyring, pub.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write keyring: %v", err)
	}

	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(data), nil); err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	signature = filepath.Join(dir, "archive.tar.gz.asc")
	if err := os.WriteFile(signature, sig.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write signature: %v", err)
	}
	return keyring, signature
}

func TestReleaseURL(t *testing.T) {
	want := "https://github.com/gmarcais/Jellyfish/releases/download/v2.3.0/jellyfish-2.3.0.tar.gz"
	if got := ReleaseURL("2.3.0"); got != want {
		t.Errorf("ReleaseURL() = %s, want %s", got, want)
	}
}

func TestFetcher_UsesLocalArchive(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	archive := filepath.Join(t.TempDir(), "jellyfish-2.3.0.tar.gz")
	if err := os.WriteFile(archive, []byte("local"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	got, err := newTestFetcher().Ensure(context.Background(), Spec{Archive: archive, URL: srv.URL})
	if err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}
	if got != archive {
		t.Errorf("Ensure() = %s, want %s", got, archive)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("local archive should not be downloaded")
	}
}

func TestFetcher_Downloads(t *testing.T) {
	body := []byte("release tarball")
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// first attempt fails to exercise the retry
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	archive := filepath.Join(t.TempDir(), "build_jf", "jellyfish-2.3.0.tar.gz")
	_, err := newTestFetcher().Ensure(context.Background(), Spec{
		Archive: archive,
		URL:     srv.URL + "/jellyfish-2.3.0.tar.gz",
		SHA256:  strings.ToUpper(sha(body)),
	})
	if err != nil {
		t.Fatalf("Ensure() failed: %v", err)
	}

	got, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read downloaded archive: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("downloaded content = %q, want %q", got, body)
	}
	if _, err := os.Stat(archive + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be removed")
	}
}

func TestFetcher_NotFoundIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	archive := filepath.Join(t.TempDir(), "jellyfish-9.9.9.tar.gz")
	_, err := newTestFetcher().Ensure(context.Background(), Spec{Archive: archive, URL: srv.URL})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected 1 request, got %d", hits)
	}
	if fileExists(archive) {
		t.Error("archive should not exist after failed download")
	}
}

func TestFetcher_MissingWithoutURL(t *testing.T) {
	_, err := newTestFetcher().Ensure(context.Background(), Spec{Archive: filepath.Join(t.TempDir(), "missing.tar.gz")})
	if err == nil {
		t.Fatal("expected error for missing archive without URL")
	}
}

func TestFetcher_ChecksumMismatch(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "jellyfish-2.3.0.tar.gz")
	if err := os.WriteFile(archive, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	_, err := newTestFetcher().Ensure(context.Background(), Spec{Archive: archive, SHA256: sha([]byte("original"))})
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}

func TestFetcher_IncompleteSignatureConfig(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "jellyfish-2.3.0.tar.gz")
	if err := os.WriteFile(archive, []byte("release"), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	tests := []struct {
		name string
		spec Spec
	}{
		{"signature without keyring", Spec{Archive: archive, Signature: archive + ".asc"}},
		{"keyring without signature", Spec{Archive: archive, Keyring: "keyring.asc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newTestFetcher().Ensure(context.Background(), tt.spec); err == nil {
				t.Fatal("expected an error instead of skipping verification")
			}
		})
	}
}

func TestVerifier_VerifySHA256(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.gz")
	data := []byte("content")
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"lowercase", sha(data), false},
		{"uppercase", strings.ToUpper(sha(data)), false},
		{"checksum line", sha(data) + "  a.tar.gz", false},
		{"mismatch", sha([]byte("other")), true},
	}

	v := NewVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifySHA256(archive, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifySHA256() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifier_VerifySignature(t *testing.T) {
	dir := t.TempDir()
	data := []byte("jellyfish source")
	archive := filepath.Join(dir, "archive.tar.gz")
	if err := os.WriteFile(archive, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	keyring, signature := writeSignedFixture(t, dir, data)

	tampered := filepath.Join(dir, "tampered.tar.gz")
	if err := os.WriteFile(tampered, []byte("jellyfish source!"), 0o644); err != nil {
		t.Fatalf("write tampered archive: %v", err)
	}

	v := NewVerifier()

	t.Run("valid signature", func(t *testing.T) {
		if err := v.VerifySignature(archive, signature, keyring); err != nil {
			t.Errorf("VerifySignature() failed: %v", err)
		}
	})

	t.Run("tampered archive", func(t *testing.T) {
		err := v.VerifySignature(tampered, signature, keyring)
		if !errors.Is(err, ErrVerification) {
			t.Errorf("expected ErrVerification, got %v", err)
		}
	})

	t.Run("missing keyring", func(t *testing.T) {
		if err := v.VerifySignature(archive, signature, filepath.Join(dir, "none.gpg")); err == nil {
			t.Error("expected error for missing keyring")
		}
	})

	t.Run("via fetcher", func(t *testing.T) {
		_, err := newTestFetcher().Ensure(context.Background(), Spec{
			Archive:   archive,
			Signature: signature,
			Keyring:   keyring,
		})
		if err != nil {
			t.Errorf("Ensure() failed: %v", err)
		}
	})

	t.Run("keyring without signature", func(t *testing.T) {
		_, err := newTestFetcher().Ensure(context.Background(), Spec{Archive: archive, Keyring: keyring})
		if err == nil {
			t.Error("expected error when signature is missing")
		}
	})
}
