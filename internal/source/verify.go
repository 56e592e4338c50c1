package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
)

// ErrVerification is wrapped by every checksum or signature failure.
var ErrVerification = errors.New("source verification failed")

// Verifier checks the integrity and authenticity of a source archive.
type Verifier struct{}

// NewVerifier creates a new verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// VerifySHA256 compares the archive digest with a hex checksum,
// ignoring case. A "<digest>  <name>" line is accepted as well.
func (v *Verifier) VerifySHA256(path, expected string) error {
	if fields := strings.Fields(expected); len(fields) > 0 {
		expected = fields[0]
	}

	actual, err := calculateSHA256(path)
	if err != nil {
		return fmt.Errorf("calculate checksum: %w", err)
	}

	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: checksum mismatch:\nactual:   %s\nexpected: %s", ErrVerification, actual, expected)
	}
	return nil
}

// VerifySignature checks a detached OpenPGP signature, armored or binary,
// against the keys in keyringPath.
func (v *Verifier) VerifySignature(path, signaturePath, keyringPath string) error {
	keyring, err := loadKeyring(keyringPath)
	if err != nil {
		return err
	}

	data, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer data.Close()

	sig, err := os.Open(signaturePath)
	if err != nil {
		return fmt.Errorf("open signature: %w", err)
	}
	defer sig.Close()

	_, err = openpgp.CheckArmoredDetachedSignature(keyring, data, sig, nil)
	if err != nil {
		data.Seek(0, io.SeekStart)
		sig.Seek(0, io.SeekStart)
		_, err = openpgp.CheckDetachedSignature(keyring, data, sig, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: verify signature: %v", ErrVerification, err)
	}
	return nil
}

func loadKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		f.Seek(0, io.SeekStart)
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}
	return keyring, nil
}

func calculateSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
