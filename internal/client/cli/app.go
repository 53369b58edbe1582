package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/client/changefeed"
	"github.com/dmitrijs2005/gophvault/internal/client/client"
	"github.com/dmitrijs2005/gophvault/internal/client/config"
	"github.com/dmitrijs2005/gophvault/internal/client/connectivity"
	"github.com/dmitrijs2005/gophvault/internal/client/models"
	"github.com/dmitrijs2005/gophvault/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/client/services"
	"github.com/dmitrijs2005/gophvault/internal/client/session"
	"github.com/dmitrijs2005/gophvault/internal/client/storage"
	"github.com/dmitrijs2005/gophvault/internal/client/syncer"
	"github.com/dmitrijs2005/gophvault/internal/logging"
)

type App struct {
	config *config.Config
	device string
	db     *sql.DB
	remote client.Client
	auth   *services.AuthService
	sess   *session.Session
	log    logging.Logger

	reader   *bufio.Reader
	out      io.Writer
	userName string
	unsub    []func()
}

// NewApp opens the local database and the server connection described by c.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	db, err := storage.InitDatabase(ctx, c.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}

	device, err := metadata.DeviceIdentity(ctx, metadata.NewSQLiteRepository(db), c.DeviceName)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error reading device id: %w", err)
	}

	a := &App{}
	remote, err := client.NewGRPCClient(c.ServerEndpointAddr,
		client.WithDevice(device),
		client.WithTokenListener(a.saveTokens),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	*a = *newApp(c, db, remote, logger, os.Stdin, os.Stdout)
	a.device = device
	return a, nil
}

func newApp(c *config.Config, db *sql.DB, remote client.Client, logger logging.Logger, in io.Reader, out io.Writer) *App {
	if logger == nil {
		logger = logging.Nop()
	}
	return &App{
		config: c,
		device: c.DeviceName,
		db:     db,
		remote: remote,
		auth:   services.NewAuthService(remote, db),
		log:    logger.With("module", "cli"),
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// saveTokens keeps rotated tokens for the next offline login.
func (a *App) saveTokens(access, refresh string) {
	if a.auth == nil {
		return
	}
	if err := a.auth.SaveTokens(context.Background(), access, refresh); err != nil {
		a.log.Warn(context.Background(), "failed to save tokens", "error", err)
	}
}

// Run starts the REPL and blocks until the user exits or input ends.
func (a *App) Run(ctx context.Context) {
	defer a.Close()
	a.printf("Welcome to the vault CLI (type 'help' for commands)\n")
	runREPL(ctx, a, a.status, a.reader)
}

// Close stops the session and releases the connection and the database.
// Queued changes and cached credentials stay on disk.
func (a *App) Close() {
	a.closeSession()
	if err := a.remote.Close(); err != nil {
		a.log.Warn(context.Background(), "failed to close connection", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn(context.Background(), "failed to close database", "error", err)
	}
}

func (a *App) isLoggedIn() bool {
	return a.sess != nil
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) status() string {
	if a.sess == nil {
		return ""
	}
	st := a.sess.State()
	parts := []string{a.userName}
	if st.Online {
		parts = append(parts, "online")
	} else {
		parts = append(parts, "offline")
	}
	if st.Syncing {
		parts = append(parts, "syncing")
	}
	if st.PendingChanges > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", st.PendingChanges))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func (a *App) openSession(ctx context.Context, user string) error {
	s, err := session.Open(ctx, session.Deps{
		DB:       a.db,
		Remote:   a.remote,
		Config:   a.config,
		Device:   a.device,
		Notifier: syncer.NotifierFunc(a.notify),
		Logger:   a.log,
	}, user)
	if err != nil {
		return err
	}
	a.sess = s
	a.userName = user

	a.unsub = append(a.unsub, s.OnConnectivity(func(t connectivity.Transition) {
		if t.Online {
			a.printf("Switched to online mode\n")
		} else {
			a.printf("Switched to offline mode\n")
		}
	}))
	for _, table := range models.Tables() {
		a.unsub = append(a.unsub, s.Subscribe(table, a.remoteChanged))
	}
	return nil
}

func (a *App) closeSession() {
	for _, fn := range a.unsub {
		fn()
	}
	a.unsub = nil
	if a.sess != nil {
		a.sess.Close()
		a.sess = nil
	}
	a.userName = ""
}

func (a *App) notify(_ context.Context, s syncer.Summary) {
	for _, m := range s.Messages() {
		a.printf("[sync] %s\n", m)
	}
}

// remoteChanged reports edits made on other devices.
func (a *App) remoteChanged(_ context.Context, evt changefeed.Event) error {
	if evt.Local() || evt.Remote.Device == a.device {
		return nil
	}
	a.printf("[%s] %s %s from %s\n", evt.Table, strings.ToLower(string(evt.Remote.Type)), evt.Remote.RecordID(), evt.Remote.Device)
	return nil
}
