package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/jasonchiu/dvirmail/core/keys"
	"github.com/jasonchiu/dvirmail/feature/recipients"
)

const ContentType = "application/json"

type Recipient struct {
	Email              string                  `json:"email"`
	SendOnlyNewDefects bool                    `json:"send_only_new_defects"`
	DefectFilter       recipients.DefectFilter `json:"defect_filter"`
}

type Settings struct {
	SendOnlyNewDefects bool `json:"send_only_new_defects"`
}

// Document is the settings snapshot offered for download.
type Document struct {
	Database   string      `json:"database"`
	Recipients []Recipient `json:"recipients"`
	Settings   Settings    `json:"settings"`
	ExportedAt time.Time   `json:"exported_at"`
}

// Build snapshots l. The recipients array always has one element per listed
// recipient.
func Build(l recipients.Listing, now time.Time) Document {
	doc := Document{
		Database:   strings.TrimSpace(l.Tenant),
		Recipients: make([]Recipient, 0, len(l.Recipients)),
		Settings:   Settings{SendOnlyNewDefects: l.SendOnlyNewDefects},
		ExportedAt: now.UTC(),
	}
	for _, r := range l.Recipients {
		doc.Recipients = append(doc.Recipients, Recipient{
			Email:              r.Email,
			SendOnlyNewDefects: r.SendOnlyNewDefects,
			DefectFilter:       r.Filter(),
		})
	}
	return doc
}

// Filename is dvir-email-settings-<database>-<YYYY-MM-DD>.json, dated in UTC.
func (d Document) Filename() string {
	return fmt.Sprintf("dvir-email-settings-%s-%s.json", d.Database, d.ExportedAt.UTC().Format("2006-01-02"))
}

// Encode renders the document as two-space indented JSON with a trailing newline.
func (d Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func Decode(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode export: %w", err)
	}
	return d, nil
}

// Encrypt seals the encoded document for the given age public keys. The
// returned name carries an .age suffix.
func (d Document) Encrypt(pubs []string) (name string, data []byte, err error) {
	rs, err := keys.ParseRecipients(pubs)
	if err != nil {
		return "", nil, err
	}
	plain, err := d.Encode()
	if err != nil {
		return "", nil, err
	}
	data, err = keys.Encrypt(plain, rs...)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt export: %w", err)
	}
	return d.Filename() + ".age", data, nil
}

func DecryptFile(data []byte, identity age.Identity) (Document, error) {
	plain, err := keys.Decrypt(data, identity)
	if err != nil {
		return Document{}, fmt.Errorf("decrypt export: %w", err)
	}
	return Decode(plain)
}

// ObjectStore is the bucket surface used for uploads.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

type Uploader struct {
	store  ObjectStore
	prefix string
}

func NewUploader(store ObjectStore, prefix string) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	pfx := strings.Trim(strings.TrimSpace(prefix), "/")
	if pfx == "" {
		pfx = "dvirmail"
	}
	return &Uploader{store: store, prefix: pfx}, nil
}

func (u *Uploader) Key(name string) string {
	return path.Join(u.prefix, "exports", name)
}

func (u *Uploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	key := u.Key(name)
	ct := ContentType
	if strings.HasSuffix(name, ".age") {
		ct = "application/octet-stream"
	}
	if err := u.store.Put(ctx, key, data, ct); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// List returns uploaded export keys for database, or all of them when
// database is empty.
func (u *Uploader) List(ctx context.Context, database string) ([]string, error) {
	prefix := u.Key("dvir-email-settings-")
	if db := strings.TrimSpace(database); db != "" {
		prefix += db + "-"
	}
	return u.store.ListKeys(ctx, prefix)
}

// Download reads an uploaded export. name is either a key returned by List or
// a bare file name under the exports prefix.
func (u *Uploader) Download(ctx context.Context, name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("export name is required")
	}
	key := name
	if !strings.HasPrefix(name, u.prefix+"/") {
		key = u.Key(path.Base(name))
	}
	data, err := u.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return data, nil
}
