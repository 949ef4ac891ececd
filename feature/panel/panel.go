package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/session"
	"github.com/jasonchiu/dvirmail/feature/export"
	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

var (
	ErrNoTenant                    = errors.New("panel has no database; focus it first")
	ErrNoRecipients                = errors.New("no recipients configured")
	ErrEmailPipelineNotImplemented = errors.New("test email functionality would be implemented in your backend service")
)

// State is a copy of what the panel currently shows.
type State struct {
	Tenant             string
	Recipients         []recipients.Recipient
	SendOnlyNewDefects bool
	Initialized        bool
	Visible            bool
	Loading            bool
	Loaded             bool
	LastError          string
}

func (s State) Listing() recipients.Listing {
	return recipients.Listing{
		Tenant:             s.Tenant,
		Recipients:         append([]recipients.Recipient{}, s.Recipients...),
		SendOnlyNewDefects: s.SendOnlyNewDefects,
	}
}

type Options struct {
	Repository repository.Repository
	Session    session.Provider
	Notifier   Notifier
	Logger     *zap.Logger
	// LoadDelay postpones the load after Focus. Zero or negative loads inline.
	LoadDelay time.Duration
	Now       func() time.Time
}

// Panel is one instance of the recipient manager. Its state lives from New until
// the owner drops it; nothing is shared between panels.
type Panel struct {
	repo     repository.Repository
	sessions session.Provider
	notifier Notifier
	logger   *zap.Logger
	delay    time.Duration
	now      func() time.Time

	initOnce sync.Once

	mu    sync.Mutex
	state State
	gen   uint64
	timer *time.Timer
}

func New(opts Options) (*Panel, error) {
	if opts.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if opts.Session == nil {
		return nil, errors.New("session provider is required")
	}
	p := &Panel{
		repo:     opts.Repository,
		sessions: opts.Session,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		delay:    opts.LoadDelay,
		now:      opts.Now,
		state: State{
			Recipients:         []recipients.Recipient{},
			SendOnlyNewDefects: true,
		},
	}
	if p.notifier == nil {
		p.notifier = NotifierFunc(func(Notice) {})
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p, nil
}

// Initialize runs one-time setup and calls done exactly once per call.
func (p *Panel) Initialize(_ context.Context, done func()) {
	p.initOnce.Do(func() {
		p.mu.Lock()
		p.state.Initialized = true
		p.mu.Unlock()
		p.logger.Debug("panel initialized")
	})
	if done != nil {
		done()
	}
}

// Focus resolves the host session, registers the database, and schedules the
// first load. A load scheduled by an earlier Focus is cancelled.
func (p *Panel) Focus(ctx context.Context) error {
	sess, err := p.sessions.Session(ctx)
	if err != nil {
		p.notify(LevelDanger, "Error resolving session: "+err.Error())
		return fmt.Errorf("resolve session: %w", err)
	}
	tenant := strings.TrimSpace(sess.Database)
	if tenant == "" {
		p.notify(LevelDanger, "Error resolving session: "+session.ErrNoDatabase.Error())
		return session.ErrNoDatabase
	}

	p.mu.Lock()
	p.stopTimerLocked()
	p.gen++
	gen := p.gen
	if p.state.Tenant != tenant {
		p.state.Recipients = []recipients.Recipient{}
		p.state.SendOnlyNewDefects = true
		p.state.Loaded = false
	}
	p.state.Tenant = tenant
	p.state.Visible = true
	p.state.LastError = ""
	p.mu.Unlock()

	created, ensureErr := p.repo.EnsureTenantConfigured(ctx, tenant)
	if ensureErr != nil {
		p.setError(ensureErr)
		p.notify(LevelDanger, "Error registering database: "+ensureErr.Error())
	} else if created {
		p.logger.Info("database registered on first focus", zap.String("database", tenant))
	}

	loadCtx := context.WithoutCancel(ctx)
	if p.delay <= 0 {
		p.load(loadCtx, gen)
		return ensureErr
	}
	p.mu.Lock()
	if p.gen == gen {
		p.timer = time.AfterFunc(p.delay, func() { p.load(loadCtx, gen) })
	}
	p.mu.Unlock()
	return ensureErr
}

// Blur hides the panel and cancels any pending load. A load already in flight
// is discarded when it returns.
func (p *Panel) Blur() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.gen++
	p.state.Visible = false
	p.state.Loading = false
}

func (p *Panel) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	s.Recipients = append([]recipients.Recipient{}, p.state.Recipients...)
	return s
}

// Refresh reloads the list now.
func (p *Panel) Refresh(ctx context.Context) error {
	if _, err := p.tenant(); err != nil {
		return err
	}
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	return p.fetch(ctx, gen, false)
}

// AddRecipient adds email for the current database. An empty filter follows the
// shared setting.
func (p *Panel) AddRecipient(ctx context.Context, email string, filter recipients.DefectFilter) (string, error) {
	tenant, err := p.tenant()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(filter)) == "" {
		filter = recipients.FilterFor(p.Snapshot().SendOnlyNewDefects)
	}

	p.notify(LevelInfo, "Adding recipient...")
	id, err := p.repo.AddRecipient(ctx, tenant, email, filter)
	switch {
	case err == nil:
	case errors.Is(err, recipients.ErrDuplicateRecipient):
		p.notify(LevelWarning, "This email address is already added as a recipient")
		return "", err
	case errors.Is(err, recipients.ErrInvalidEmail), errors.Is(err, recipients.ErrInvalidDefectFilter):
		p.notify(LevelWarning, err.Error())
		return "", err
	default:
		p.setError(err)
		p.notify(LevelDanger, "Error adding recipient: "+err.Error())
		return "", err
	}

	addr := strings.ToLower(strings.TrimSpace(email))
	p.quietReload(ctx)
	p.notify(LevelSuccess, fmt.Sprintf("Successfully added %s as a recipient", addr))
	return id, nil
}

// RemoveRecipient removes the recipient matching query by id or email.
func (p *Panel) RemoveRecipient(ctx context.Context, query string) error {
	tenant, err := p.tenant()
	if err != nil {
		return err
	}
	id, label := strings.TrimSpace(query), strings.TrimSpace(query)
	if r, ok := p.Find(query); ok {
		id, label = r.ID, r.Email
	}

	p.notify(LevelInfo, "Removing recipient...")
	if err := p.repo.RemoveRecipient(ctx, tenant, id); err != nil {
		p.setError(err)
		p.notify(LevelDanger, "Error removing recipient: "+err.Error())
		return err
	}
	p.quietReload(ctx)
	p.notify(LevelSuccess, "Successfully removed "+label)
	return nil
}

// SetSendOnlyNewDefects applies the shared setting to every recipient. With no
// recipients only the local switch changes.
func (p *Panel) SetSendOnlyNewDefects(ctx context.Context, value bool) error {
	tenant, err := p.tenant()
	if err != nil {
		return err
	}
	p.mu.Lock()
	empty := len(p.state.Recipients) == 0
	if empty {
		p.state.SendOnlyNewDefects = value
	}
	p.mu.Unlock()
	if empty {
		return nil
	}

	p.notify(LevelInfo, "Updating settings...")
	if err := p.repo.UpdateSharedSetting(ctx, tenant, value); err != nil {
		p.setError(err)
		p.notify(LevelDanger, "Error updating settings: "+err.Error())
		return err
	}
	p.mu.Lock()
	p.state.SendOnlyNewDefects = value
	for i := range p.state.Recipients {
		p.state.Recipients[i].SendOnlyNewDefects = value
	}
	p.mu.Unlock()
	p.notify(LevelSuccess, "Settings updated successfully")
	return nil
}

func (p *Panel) TestConnection(ctx context.Context) error {
	if err := p.repo.Ping(ctx); err != nil {
		p.notify(LevelDanger, "Connection test failed: "+err.Error())
		return err
	}
	p.notify(LevelSuccess, "Connection to the recipient store is working")
	return nil
}

// TestEmail always fails: delivery belongs to the notification backend.
func (p *Panel) TestEmail(context.Context) error {
	if len(p.Snapshot().Recipients) == 0 {
		p.notify(LevelWarning, "No recipients configured. Add at least one recipient to test the email system.")
		return ErrNoRecipients
	}
	p.notify(LevelInfo, "Test email functionality would be implemented in your backend service")
	return ErrEmailPipelineNotImplemented
}

// Export snapshots the displayed list.
func (p *Panel) Export() (export.Document, error) {
	if _, err := p.tenant(); err != nil {
		return export.Document{}, err
	}
	doc := export.Build(p.Snapshot().Listing(), p.now())
	p.notify(LevelSuccess, "Settings exported successfully")
	return doc, nil
}

func (p *Panel) Find(query string) (recipients.Recipient, bool) {
	return p.Snapshot().Listing().Find(query)
}

func (p *Panel) load(ctx context.Context, gen uint64) {
	_ = p.fetch(ctx, gen, true)
}

// fetch loads the list for generation gen. Results for a stale generation, or
// for a hidden panel when requireVisible is set, are dropped.
func (p *Panel) fetch(ctx context.Context, gen uint64, requireVisible bool) error {
	p.mu.Lock()
	if p.gen != gen || (requireVisible && !p.state.Visible) {
		p.mu.Unlock()
		return nil
	}
	p.timer = nil
	p.state.Loading = true
	tenant := p.state.Tenant
	p.mu.Unlock()

	p.notify(LevelInfo, "Loading recipients...")
	l, err := p.repo.Load(ctx, tenant)

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.logger.Debug("discarding stale load", zap.String("database", tenant))
		return nil
	}
	p.state.Loading = false
	if err != nil {
		p.state.Recipients = []recipients.Recipient{}
		p.state.Loaded = false
		p.state.LastError = err.Error()
		p.mu.Unlock()
		p.notify(LevelDanger, "Error loading recipients: "+err.Error())
		return err
	}
	p.applyLocked(l)
	p.mu.Unlock()
	p.notify(LevelSuccess, fmt.Sprintf("Loaded %d recipients", l.Count()))
	return nil
}

// quietReload refreshes the list after a write without emitting load notices.
func (p *Panel) quietReload(ctx context.Context) {
	p.mu.Lock()
	tenant := p.state.Tenant
	p.mu.Unlock()
	l, err := p.repo.Load(ctx, tenant)
	if err != nil {
		p.logger.Warn("reload after write failed", zap.String("database", tenant), zap.Error(err))
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Tenant == tenant {
		p.applyLocked(l)
	}
}

func (p *Panel) applyLocked(l recipients.Listing) {
	p.state.Recipients = append([]recipients.Recipient{}, l.Recipients...)
	p.state.SendOnlyNewDefects = l.SendOnlyNewDefects
	p.state.Loaded = true
	p.state.LastError = ""
}

func (p *Panel) tenant() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Tenant == "" {
		return "", ErrNoTenant
	}
	return p.state.Tenant, nil
}

func (p *Panel) setError(err error) {
	p.mu.Lock()
	p.state.LastError = err.Error()
	p.mu.Unlock()
}

func (p *Panel) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Panel) notify(level Level, msg string) {
	p.notifier.Notify(Notice{Level: level, Message: msg, At: p.now()})
}
