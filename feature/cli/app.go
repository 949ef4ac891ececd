package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jasonchiu/dvirmail/core/bootstrap"
	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/logging"
	"github.com/jasonchiu/dvirmail/core/serverapi"
	"github.com/jasonchiu/dvirmail/core/session"
	"github.com/jasonchiu/dvirmail/feature/panel"
	"github.com/jasonchiu/dvirmail/feature/repository"
)

type app struct {
	out    io.Writer
	errOut io.Writer

	database   string
	server     string
	configPath string
	logLevel   string

	logger *zap.Logger
}

// Run executes the command line and returns the first error.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root := NewRootCommand(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "dvirmail",
		Short: "Manage who receives DVIR defect notification emails",
		Long: `dvirmail keeps the list of email addresses that are notified when a
driver inspection report records a defect, one list per fleet database.

Commands talk to the recipient store directly using .dvirmail/project.toml and
DVIRMAIL_* environment variables, or to a dvirmail server when --server is set.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := logging.New(a.logLevel, false)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.database, "database", "", "database name (defaults to the project file or DVIRMAIL_DATABASE)")
	pf.StringVar(&a.server, "server", "", "dvirmail server URL (defaults to DVIRMAIL_SERVER_URL); empty uses the store directly")
	pf.StringVar(&a.configPath, "config", "", "project file (defaults to .dvirmail/project.toml)")
	pf.StringVar(&a.logLevel, "log-level", "error", "log level: debug, info, warn or error")

	root.AddCommand(
		a.projectCommand(),
		a.ensureCommand(),
		a.recipientsCommand(),
		a.settingsCommand(),
		a.testCommand(),
		a.exportCommand(),
		a.keygenCommand(),
		a.tuiCommand(),
	)
	return root
}

func (a *app) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *app) serverURL() string {
	if s := strings.TrimSpace(a.server); s != "" {
		return s
	}
	return strings.TrimSpace(os.Getenv("DVIRMAIL_SERVER_URL"))
}

// runtime is the repository a command works against.
type runtime struct {
	proj   config.Project
	repo   repository.Repository
	client *serverapi.Client
	tenant string
	close  bootstrap.CloseFunc
}

func (a *app) open(ctx context.Context) (*runtime, error) {
	if server := a.serverURL(); server != "" {
		proj, _, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		client, err := serverapi.New(server)
		if err != nil {
			return nil, err
		}
		a.log().Debug("using dvirmail server", zap.String("url", server))
		return &runtime{
			proj:   proj,
			repo:   client,
			client: client,
			tenant: a.tenant(proj),
			close:  func(context.Context) error { return nil },
		}, nil
	}

	proj, _, err := config.Resolve(a.configPath)
	if err != nil {
		return nil, err
	}
	repo, closeFn, err := bootstrap.Repository(ctx, proj, a.log())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", proj.Backend, err)
	}
	return &runtime{proj: proj, repo: repo, tenant: a.tenant(proj), close: closeFn}, nil
}

func (a *app) tenant(proj config.Project) string {
	if db := strings.TrimSpace(a.database); db != "" {
		return db
	}
	return strings.TrimSpace(proj.Database)
}

// printer shows user-facing notices on stderr. Danger notices come back as the
// command's error and are not repeated.
func (a *app) printer() panel.Notifier {
	return panel.NotifierFunc(func(n panel.Notice) {
		switch n.Level {
		case panel.LevelSuccess, panel.LevelWarning:
			fmt.Fprintln(a.errOut, n.Message)
		}
	})
}

func (a *app) newPanel(rt *runtime, notifier panel.Notifier) (*panel.Panel, error) {
	return panel.New(panel.Options{
		Repository: rt.repo,
		Session:    session.Static{Database: rt.tenant},
		Notifier:   panel.Multi(notifier, panel.Log{Logger: a.log().Named("notice")}),
		Logger:     a.log().Named("panel"),
		LoadDelay:  rt.proj.LoadDelay,
	})
}

// withPanel opens the store, focuses a panel on the selected database with an
// inline load, and runs fn against it.
func (a *app) withPanel(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime, p *panel.Panel) error) error {
	ctx := cmd.Context()
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	rt.proj.LoadDelay = 0
	p, err := a.newPanel(rt, a.printer())
	if err != nil {
		return err
	}
	p.Initialize(ctx, nil)
	if err := p.Focus(ctx); err != nil {
		if errors.Is(err, session.ErrNoDatabase) {
			return fmt.Errorf("%w (pass --database or set database in the project file)", err)
		}
		return err
	}
	defer p.Blur()
	if st := p.Snapshot(); !st.Loaded && st.LastError != "" {
		return errors.New(st.LastError)
	}
	return fn(ctx, rt, p)
}
