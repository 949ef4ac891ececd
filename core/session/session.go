package session

import (
	"context"
	"errors"
	"strings"
)

var ErrNoDatabase = errors.New("host session has no database")

// Session is what the host hands the panel when it gains focus.
type Session struct {
	Database string
	UserName string
}

type Provider interface {
	Session(ctx context.Context) (Session, error)
}

// Static always reports the same database, e.g. from a CLI flag or project file.
type Static struct {
	Database string
	UserName string
}

func (s Static) Session(context.Context) (Session, error) {
	db := strings.TrimSpace(s.Database)
	if db == "" {
		return Session{}, ErrNoDatabase
	}
	return Session{Database: db, UserName: strings.TrimSpace(s.UserName)}, nil
}

// Func adapts a function to Provider.
type Func func(ctx context.Context) (Session, error)

func (f Func) Session(ctx context.Context) (Session, error) {
	return f(ctx)
}
