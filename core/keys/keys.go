package keys

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Generate creates a new X25519 identity for decrypting exports.
func Generate() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

func WriteIdentity(path string, id *age.X25519Identity, force bool) error {
	if id == nil {
		return errors.New("missing identity")
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("key already exists at %s", path)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient().String(), id.String())
	return os.WriteFile(path, []byte(content), 0o600)
}

func LoadIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			return age.ParseX25519Identity(line)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no AGE-SECRET-KEY found")
}

// ParseRecipients parses age1... public keys, skipping blanks.
func ParseRecipients(pubs []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(pubs))
	for _, p := range pubs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(p)
		if err != nil {
			return nil, fmt.Errorf("invalid age recipient %q: %w", p, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one age recipient is required")
	}
	return out, nil
}

func Encrypt(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decrypt(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func Fingerprint(pub string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(pub)))
	return hex.EncodeToString(sum[:8])
}
