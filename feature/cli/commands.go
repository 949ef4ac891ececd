package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jasonchiu/dvirmail/core/bootstrap"
	"github.com/jasonchiu/dvirmail/core/config"
	"github.com/jasonchiu/dvirmail/core/keys"
	"github.com/jasonchiu/dvirmail/core/session"
	"github.com/jasonchiu/dvirmail/feature/export"
	"github.com/jasonchiu/dvirmail/feature/panel"
	"github.com/jasonchiu/dvirmail/feature/recipients"
	"github.com/jasonchiu/dvirmail/feature/tui"
	"github.com/jasonchiu/dvirmail/feature/view"
)

func (a *app) projectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create or inspect .dvirmail/project.toml",
	}

	var (
		proj  config.Project
		force bool
	)
	initCmd := &cobra.Command{
		Use:     "init",
		Aliases: []string{"create"},
		Short:   "Write a project file in the current directory",
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			projPath := config.ProjectFilePath(".")
			if _, err := os.Stat(projPath); err == nil && !force {
				return fmt.Errorf("project config already exists at %s (use --force to overwrite)", projPath)
			}
			proj.Database = strings.TrimSpace(a.database)
			proj.ApplyDefaults()
			// The Mongo URI carries credentials and is never written to the file.
			check := proj
			if check.Mongo.URI == "" {
				check.Mongo.URI = "mongodb://localhost"
			}
			if err := check.Validate(); err != nil {
				return err
			}
			if err := config.WriteProject(projPath, proj); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Project initialized: %s\n", projPath)
			fmt.Fprintf(a.out, "Backend: %s (%s shape)\n", proj.Backend, proj.Shape)
			if proj.Backend == config.BackendMongo {
				fmt.Fprintln(a.out, "Set DVIRMAIL_MONGO_URI before using the store")
			}
			return nil
		},
	}
	f := initCmd.Flags()
	f.StringVar(&proj.Backend, "backend", config.BackendFirestore, "recipient store: firestore, mongo or memory")
	f.StringVar(&proj.Shape, "shape", config.ShapeFlat, "storage shape: flat or embedded")
	f.StringVar(&proj.Firestore.ProjectID, "firestore-project", "", "Google Cloud project id")
	f.StringVar(&proj.Firestore.CredentialsFile, "credentials-file", "", "service account JSON file")
	f.StringVar(&proj.Mongo.Database, "mongo-database", "", "MongoDB database (default dvirmail)")
	f.StringVar(&proj.Lock.RedisAddr, "redis-addr", "", "Redis address for cross-process tenant locks")
	f.StringVar(&proj.Export.Bucket, "bucket", "", "Tigris bucket for uploaded exports")
	f.StringVar(&proj.Export.Prefix, "prefix", "", "object prefix for uploaded exports")
	f.StringVar(&proj.Export.Endpoint, "endpoint", "", "optional S3 endpoint override")
	f.BoolVar(&force, "force", false, "overwrite existing project config")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective project configuration",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			proj, src, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if src == "" {
				fmt.Fprintln(a.out, "Project file: not found (environment and defaults only)")
			} else {
				fmt.Fprintf(a.out, "Project file: %s\n", src)
			}
			fmt.Fprintf(a.out, "Version: %d\n", proj.Version)
			fmt.Fprintf(a.out, "Database: %s\n", orNone(a.tenant(proj)))
			fmt.Fprintf(a.out, "Backend: %s\n", proj.Backend)
			fmt.Fprintf(a.out, "Shape: %s\n", proj.Shape)
			fmt.Fprintf(a.out, "Store timeout: %s\n", proj.StoreTimeout)
			fmt.Fprintf(a.out, "Load delay: %s\n", proj.LoadDelay)
			switch proj.Backend {
			case config.BackendFirestore:
				fmt.Fprintf(a.out, "Firestore project: %s\n", orNone(proj.Firestore.ProjectID))
			case config.BackendMongo:
				fmt.Fprintf(a.out, "Mongo database: %s\n", proj.Mongo.Database)
				fmt.Fprintf(a.out, "Mongo URI: %s\n", setOrNot(proj.Mongo.URI))
			}
			if proj.Lock.RedisAddr != "" {
				fmt.Fprintf(a.out, "Redis lock: %s (ttl %s)\n", proj.Lock.RedisAddr, proj.Lock.TTL)
			}
			if proj.Export.Bucket != "" {
				fmt.Fprintf(a.out, "Export bucket: %s\n", proj.Export.Bucket)
				fmt.Fprintf(a.out, "Export prefix: %s\n", proj.Export.Prefix)
			}
			if err := proj.Validate(); err != nil {
				fmt.Fprintf(a.out, "Problem: %v\n", err)
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func (a *app) ensureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Register the database with the notification service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if rt.tenant == "" {
				return fmt.Errorf("%w (pass --database or set database in the project file)", session.ErrNoDatabase)
			}
			if !recipients.Persistable(rt.tenant) {
				fmt.Fprintf(a.out, "Database %s is read-only; nothing to register\n", rt.tenant)
				return nil
			}
			created, err := rt.repo.EnsureTenantConfigured(ctx, rt.tenant)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(a.out, "Registered database %s\n", rt.tenant)
			} else {
				fmt.Fprintf(a.out, "Database %s already configured\n", rt.tenant)
			}
			return nil
		},
	}
}

func (a *app) recipientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "recipients",
		Aliases: []string{"recipient"},
		Short:   "List, add or remove notification recipients",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the database's recipients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPanel(cmd, func(_ context.Context, _ *runtime, p *panel.Panel) error {
				fmt.Fprint(a.out, view.Plain(p.Snapshot().Listing()))
				return nil
			})
		},
	}

	var filterFlag string
	addCmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Add a recipient and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter recipients.DefectFilter
			if strings.TrimSpace(filterFlag) != "" {
				f, err := recipients.ParseDefectFilter(filterFlag)
				if err != nil {
					return err
				}
				filter = f
			}
			return a.withPanel(cmd, func(ctx context.Context, _ *runtime, p *panel.Panel) error {
				id, err := p.AddRecipient(ctx, args[0], filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, id)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&filterFlag, "filter", "", "defects to send: new or all (defaults to the shared setting)")

	removeCmd := &cobra.Command{
		Use:     "remove <id|email>",
		Aliases: []string{"rm"},
		Short:   "Remove a recipient by id or email",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withPanel(cmd, func(ctx context.Context, _ *runtime, p *panel.Panel) error {
				return p.RemoveRecipient(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

func (a *app) settingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Change settings shared by every recipient",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "only-new-defects <on|off>",
		Short: "Send only newly recorded defects (on) or every defect (off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseSwitch(args[0])
			if err != nil {
				return err
			}
			return a.withPanel(cmd, func(ctx context.Context, _ *runtime, p *panel.Panel) error {
				if len(p.Snapshot().Recipients) == 0 {
					fmt.Fprintln(a.errOut, "No recipients configured; nothing to update")
					return nil
				}
				return p.SetSendOnlyNewDefects(ctx, value)
			})
		},
	})
	return cmd
}

func (a *app) testCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check the store connection or the email pipeline",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "connection",
			Short: "Ping the recipient store",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				rt, err := a.open(ctx)
				if err != nil {
					return err
				}
				defer rt.close(context.Background())
				p, err := a.newPanel(rt, a.printer())
				if err != nil {
					return err
				}
				return p.TestConnection(ctx)
			},
		},
		&cobra.Command{
			Use:   "email",
			Short: "Send a test notification to every recipient",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withPanel(cmd, func(ctx context.Context, _ *runtime, p *panel.Panel) error {
					return p.TestEmail(ctx)
				})
			},
		},
	)
	return cmd
}

func (a *app) exportCommand() *cobra.Command {
	var (
		outDir        string
		ageRecipients []string
		upload        bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the recipient settings to a JSON file",
		Long: `Write dvir-email-settings-<database>-<date>.json to --out. With one or more
--age-recipient keys the file is encrypted and gets an .age suffix. --upload also
stores the file in the configured export bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withPanel(cmd, func(ctx context.Context, rt *runtime, p *panel.Panel) error {
				doc, err := p.Export()
				if err != nil {
					return err
				}
				var (
					name string
					data []byte
				)
				if len(ageRecipients) > 0 {
					name, data, err = doc.Encrypt(ageRecipients)
				} else {
					name = doc.Filename()
					data, err = doc.Encode()
				}
				if err != nil {
					return err
				}

				path := filepath.Join(outDir, name)
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Exported %d recipients to %s\n", len(doc.Recipients), path)

				if !upload {
					return nil
				}
				key, err := a.upload(ctx, rt, name, data, len(ageRecipients) > 0)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "Uploaded %s\n", key)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&outDir, "out", ".", "directory the export is written to")
	f.StringArrayVar(&ageRecipients, "age-recipient", nil, "age public key to encrypt for (repeatable)")
	f.BoolVar(&upload, "upload", false, "also upload the export to the configured bucket")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List uploaded exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			proj, _, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			up, err := bootstrap.Uploader(proj)
			if err != nil {
				return err
			}
			if up == nil {
				return errNoBucket
			}
			names, err := up.List(cmd.Context(), a.tenant(proj))
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(a.out, "No uploaded exports")
				return nil
			}
			for _, k := range names {
				fmt.Fprintln(a.out, k)
			}
			return nil
		},
	}

	var fetchOut string
	fetchCmd := &cobra.Command{
		Use:   "fetch <key>",
		Short: "Download an uploaded export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, _, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			up, err := bootstrap.Uploader(proj)
			if err != nil {
				return err
			}
			if up == nil {
				return errNoBucket
			}
			data, err := up.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path := filepath.Join(fetchOut, filepath.Base(args[0]))
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Downloaded %s\n", path)
			return nil
		},
	}
	fetchCmd.Flags().StringVar(&fetchOut, "out", ".", "directory the export is written to")

	var identityPath, decryptOut string
	decryptCmd := &cobra.Command{
		Use:   "decrypt <file.age>",
		Short: "Decrypt an encrypted export and print the JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if strings.TrimSpace(identityPath) == "" {
				return errors.New("--identity is required")
			}
			id, err := keys.LoadIdentity(identityPath)
			if err != nil {
				return fmt.Errorf("load identity %s: %w", identityPath, err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			doc, err := export.DecryptFile(data, id)
			if err != nil {
				return err
			}
			plain, err := doc.Encode()
			if err != nil {
				return err
			}
			if decryptOut == "" {
				_, err = a.out.Write(plain)
				return err
			}
			return os.WriteFile(decryptOut, plain, 0o600)
		},
	}
	decryptCmd.Flags().StringVar(&identityPath, "identity", "", "age identity file written by keygen")
	decryptCmd.Flags().StringVar(&decryptOut, "out", "", "write the JSON to this file instead of stdout")

	cmd.AddCommand(listCmd, fetchCmd, decryptCmd)
	return cmd
}

var errNoBucket = errors.New("no export bucket configured (set [export] bucket or DVIRMAIL_EXPORT_BUCKET)")

// upload stores an export in the bucket. Through a server only the plaintext
// export can be uploaded, since the server builds its own snapshot.
func (a *app) upload(ctx context.Context, rt *runtime, name string, data []byte, encrypted bool) (string, error) {
	if rt.client != nil {
		if encrypted {
			return "", errors.New("encrypted exports cannot be uploaded through a server; upload plaintext or use the store directly")
		}
		resp, err := rt.client.UploadExport(ctx, rt.tenant)
		if err != nil {
			return "", err
		}
		return resp.Key, nil
	}
	up, err := bootstrap.Uploader(rt.proj)
	if err != nil {
		return "", err
	}
	if up == nil {
		return "", errNoBucket
	}
	return up.Upload(ctx, name, data)
}

func (a *app) keygenCommand() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an age identity for encrypted exports",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			id, err := keys.Generate()
			if err != nil {
				return err
			}
			if err := keys.WriteIdentity(out, id, force); err != nil {
				return err
			}
			pub := id.Recipient().String()
			fmt.Fprintf(a.out, "Wrote identity to %s\n", out)
			fmt.Fprintf(a.out, "Public key: %s\n", pub)
			fmt.Fprintf(a.out, "Fingerprint: %s\n", keys.Fingerprint(pub))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", filepath.Join(config.ProjectDirPath("."), "export.key"), "identity file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

func (a *app) tuiCommand() *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Manage recipients interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			feed := panel.NewFeed(panel.DefaultNoticeTTL)
			p, err := a.newPanel(rt, feed)
			if err != nil {
				return err
			}
			p.Initialize(ctx, nil)
			return tui.Run(ctx, tui.Options{Panel: p, Feed: feed, ExportDir: exportDir})
		},
	}
	cmd.Flags().StringVar(&exportDir, "export-dir", ".", "directory exports are written to")
	return cmd
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", v)
	}
	return b, nil
}

func orNone(v string) string {
	if strings.TrimSpace(v) == "" {
		return "(none)"
	}
	return v
}

func setOrNot(v string) string {
	if strings.TrimSpace(v) == "" {
		return "not set"
	}
	return "set"
}
