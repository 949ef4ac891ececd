package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Runtime struct {
	Addr           string   `env:"DVIRMAIL_SERVER_ADDR" envDefault:"127.0.0.1:8080"`
	AllowedOrigins []string `env:"DVIRMAIL_ALLOWED_ORIGINS" envSeparator:"," envDefault:"https://my.geotab.com"`
	LogLevel       string   `env:"DVIRMAIL_LOG_LEVEL" envDefault:"info"`
	Production     bool     `env:"-"`
}

func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := env.Parse(&rt); err != nil {
		return Runtime{}, fmt.Errorf("parse env: %w", err)
	}
	rt.Addr = strings.TrimSpace(rt.Addr)
	origins := rt.AllowedOrigins[:0]
	for _, o := range rt.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	rt.AllowedOrigins = origins
	rt.Production = IsProduction()
	return rt, nil
}

// ObjectStoreCredentials locate the S3-compatible bucket used for export
// uploads. They come from the environment only.
type ObjectStoreCredentials struct {
	AccessKey string `env:"TIGRIS_ACCESS_KEY"`
	SecretKey string `env:"TIGRIS_SECRET_KEY"`
	Endpoint  string `env:"TIGRIS_ENDPOINT"`
	Region    string `env:"TIGRIS_REGION" envDefault:"auto"`
}

func LoadObjectStoreCredentials() (ObjectStoreCredentials, error) {
	var c ObjectStoreCredentials
	if err := env.Parse(&c); err != nil {
		return ObjectStoreCredentials{}, fmt.Errorf("parse env: %w", err)
	}
	c.AccessKey = strings.TrimSpace(c.AccessKey)
	c.SecretKey = strings.TrimSpace(c.SecretKey)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Region = strings.TrimSpace(c.Region)
	return c, nil
}
