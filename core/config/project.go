package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

var ErrProjectNotFound = errors.New("dvirmail project config not found")

const (
	BackendFirestore = "firestore"
	BackendMongo     = "mongo"
	BackendMemory    = "memory"

	ShapeFlat     = "flat"
	ShapeEmbedded = "embedded"

	DefaultStoreTimeout = 10 * time.Second
	DefaultLoadDelay    = time.Second
)

type Project struct {
	Version      int             `toml:"version"`
	Database     string          `toml:"database,omitempty" env:"DVIRMAIL_DATABASE"`
	Backend      string          `toml:"backend" env:"DVIRMAIL_BACKEND"`
	Shape        string          `toml:"shape" env:"DVIRMAIL_SHAPE"`
	StoreTimeout time.Duration   `toml:"store_timeout,omitempty" env:"DVIRMAIL_STORE_TIMEOUT"`
	LoadDelay    time.Duration   `toml:"load_delay,omitempty" env:"DVIRMAIL_LOAD_DELAY"`
	Firestore    FirestoreConfig `toml:"firestore"`
	Mongo        MongoConfig     `toml:"mongo"`
	Lock         LockConfig      `toml:"lock"`
	Export       ExportConfig    `toml:"export"`
}

type FirestoreConfig struct {
	ProjectID       string `toml:"project_id,omitempty" env:"DVIRMAIL_FIRESTORE_PROJECT"`
	CredentialsFile string `toml:"credentials_file,omitempty" env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

type MongoConfig struct {
	// URI carries credentials and is read from the environment only.
	URI      string `toml:"-" env:"DVIRMAIL_MONGO_URI"`
	Database string `toml:"database,omitempty" env:"DVIRMAIL_MONGO_DATABASE"`
}

type LockConfig struct {
	RedisAddr     string        `toml:"redis_addr,omitempty" env:"DVIRMAIL_REDIS_ADDR"`
	RedisPassword string        `toml:"-" env:"DVIRMAIL_REDIS_PASSWORD"`
	TTL           time.Duration `toml:"ttl,omitempty" env:"DVIRMAIL_LOCK_TTL"`
}

type ExportConfig struct {
	Bucket   string `toml:"bucket,omitempty" env:"DVIRMAIL_EXPORT_BUCKET"`
	Prefix   string `toml:"prefix,omitempty" env:"DVIRMAIL_EXPORT_PREFIX"`
	Endpoint string `toml:"endpoint,omitempty"`
}

func ProjectDirPath(base string) string {
	return filepath.Join(base, ".dvirmail")
}

func ProjectFilePath(base string) string {
	return filepath.Join(ProjectDirPath(base), "project.toml")
}

func (p *Project) ApplyDefaults() {
	if p.Version == 0 {
		p.Version = 1
	}
	p.Database = strings.TrimSpace(p.Database)
	p.Backend = strings.ToLower(strings.TrimSpace(p.Backend))
	if p.Backend == "" {
		p.Backend = BackendFirestore
	}
	p.Shape = strings.ToLower(strings.TrimSpace(p.Shape))
	if p.Shape == "" {
		p.Shape = ShapeFlat
	}
	if p.StoreTimeout <= 0 {
		p.StoreTimeout = DefaultStoreTimeout
	}
	// A negative delay loads immediately on focus.
	if p.LoadDelay == 0 {
		p.LoadDelay = DefaultLoadDelay
	}
	if p.Mongo.Database == "" {
		p.Mongo.Database = "dvirmail"
	}
	if p.Lock.TTL <= 0 {
		p.Lock.TTL = 15 * time.Second
	}
	if strings.TrimSpace(p.Export.Prefix) == "" {
		p.Export.Prefix = "dvirmail"
	}
}

func (p Project) Validate() error {
	switch p.Backend {
	case BackendFirestore, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q (expected firestore, mongo or memory)", p.Backend)
	}
	switch p.Shape {
	case ShapeFlat, ShapeEmbedded:
	default:
		return fmt.Errorf("unknown shape %q (expected flat or embedded)", p.Shape)
	}
	if p.Backend == BackendFirestore && strings.TrimSpace(p.Firestore.ProjectID) == "" {
		return errors.New("firestore project_id is required (set [firestore] project_id or DVIRMAIL_FIRESTORE_PROJECT)")
	}
	if p.Backend == BackendMongo && strings.TrimSpace(p.Mongo.URI) == "" {
		return errors.New("mongo uri is required (set DVIRMAIL_MONGO_URI)")
	}
	return nil
}

func WriteProject(path string, p Project) error {
	p.ApplyDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(p)
}

func LoadProject(path string) (Project, error) {
	var p Project
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Project{}, err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return p, nil
}

func LoadProjectFromCWD() (Project, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Project{}, "", err
	}
	projPath := ProjectFilePath(cwd)
	if _, err := os.Stat(projPath); err != nil {
		if os.IsNotExist(err) {
			return Project{}, "", ErrProjectNotFound
		}
		return Project{}, "", err
	}
	p, err := LoadProject(projPath)
	if err != nil {
		return Project{}, "", err
	}
	return p, projPath, nil
}

// Load reads the project file at path (or the working directory when path is
// empty), then applies environment overrides and defaults. A missing project
// file is not an error; the environment alone may configure the store.
func Load(path string) (Project, string, error) {
	var (
		p   Project
		src string
		err error
	)
	if strings.TrimSpace(path) != "" {
		p, err = LoadProject(path)
		src = path
	} else {
		p, src, err = LoadProjectFromCWD()
		if errors.Is(err, ErrProjectNotFound) {
			err = nil
		}
	}
	if err != nil {
		return Project{}, "", err
	}
	if err := env.Parse(&p); err != nil {
		return Project{}, "", fmt.Errorf("parse env: %w", err)
	}
	p.ApplyDefaults()
	return p, src, nil
}

// Resolve is Load followed by Validate.
func Resolve(path string) (Project, string, error) {
	p, src, err := Load(path)
	if err != nil {
		return Project{}, "", err
	}
	if err := p.Validate(); err != nil {
		return Project{}, src, err
	}
	return p, src, nil
}
