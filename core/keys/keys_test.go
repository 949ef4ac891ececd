package keys

import (
	"path/filepath"
	"testing"
)

func TestEncryptDecryptWithStoredIdentity(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "export.agekey")
	if err := WriteIdentity(path, id, false); err != nil {
		t.Fatal(err)
	}
	if err := WriteIdentity(path, id, false); err == nil {
		t.Fatal("expected overwrite refusal")
	}
	loaded, err := LoadIdentity(path)
	if err != nil {
		t.Fatal(err)
	}

	rs, err := ParseRecipients([]string{"", id.Recipient().String()})
	if err != nil {
		t.Fatal(err)
	}
	ct, err := Encrypt([]byte(`{"database":"acme"}`), rs...)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := Decrypt(ct, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != `{"database":"acme"}` {
		t.Fatalf("plaintext = %q", pt)
	}
}

func TestParseRecipientsRejectsGarbage(t *testing.T) {
	if _, err := ParseRecipients([]string{"age1notakey"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := ParseRecipients(nil); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestFingerprintIgnoresWhitespace(t *testing.T) {
	if Fingerprint(" age1abc ") != Fingerprint("age1abc") || len(Fingerprint("age1abc")) != 16 {
		t.Fatal("fingerprint not stable")
	}
}
