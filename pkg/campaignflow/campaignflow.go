// Package campaignflow boots the campaign engine: database, adapters, event
// bus, scheduler and HTTP API.
package campaignflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RealZimboGuy/campaignflow/internal/adapters/contacts"
	"github.com/RealZimboGuy/campaignflow/internal/adapters/email"
	"github.com/RealZimboGuy/campaignflow/internal/adapters/webhook"
	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/internal/controllers"
	"github.com/RealZimboGuy/campaignflow/internal/engine"
	"github.com/RealZimboGuy/campaignflow/internal/events"
	"github.com/RealZimboGuy/campaignflow/internal/migrations"
	"github.com/RealZimboGuy/campaignflow/internal/repository"
	"github.com/RealZimboGuy/campaignflow/internal/telemetry"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/core"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow/domain"
)

// Options overrides the collaborators New would otherwise build from the
// settings. Every field is optional.
type Options struct {
	Clock    core.Clock
	Contacts engine.ContactStore
	Email    engine.EmailDispatcher
	Webhooks engine.WebhookCaller
	Bus      *events.Bus
	Mux      *http.ServeMux
}

// App is a wired engine instance.
type App struct {
	Settings *config.Settings
	DB       *sql.DB
	Engine   *engine.Engine
	Bus      *events.Bus
	Contacts engine.ContactStore
	Mux      *http.ServeMux

	closers []func() error
}

// New opens the database, runs migrations and wires every component. Nothing
// runs until Run is called.
func New(ctx context.Context, settings *config.Settings, opts Options) (*App, error) {
	app := &App{Settings: settings}

	db, err := OpenDatabase(settings)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.closers = append(app.closers, db.Close)

	dialect, err := repository.NewDialect(settings.DatabaseType)
	if err != nil {
		app.Close()
		return nil, err
	}

	if err := app.setupAdapters(ctx, &opts); err != nil {
		app.Close()
		return nil, err
	}

	app.Bus = opts.Bus
	if app.Bus == nil {
		bus, err := events.New(settings, slog.Default())
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Bus = bus
		app.closers = append(app.closers, bus.Close)
	}

	deliveries := repository.NewDeliveryLogRepository(db, dialect)
	enrollments := repository.NewEnrollmentRepository(db, dialect)
	eng, err := engine.New(engine.Dependencies{
		Definitions: repository.NewWorkflowDefinitionRepository(db, dialect),
		Enrollments: enrollments,
		Deliveries:  deliveries,
		Executors:   repository.NewExecutorRepository(db, dialect),
		Contacts:    app.Contacts,
		Email:       opts.Email,
		Webhooks:    opts.Webhooks,
		Notifier:    app.Bus,
		Clock:       opts.Clock,
	}, settings.Engine, settings.ResolveExecutorName())
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Engine = eng

	app.Mux = opts.Mux
	if app.Mux == nil {
		app.Mux = http.NewServeMux()
	}
	controllers.NewDefinitionsController(eng.Definitions, enrollments).RegisterRoutes(app.Mux)
	controllers.NewEventsController(eng.Matcher, eng.Tracker, app.Bus).RegisterRoutes(app.Mux)
	controllers.NewEnrollmentsController(enrollments, deliveries).RegisterRoutes(app.Mux)
	controllers.NewExecutorsController(eng.Scheduler).RegisterRoutes(app.Mux)
	app.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return app, nil
}

func (a *App) setupAdapters(ctx context.Context, opts *Options) error {
	a.Contacts = opts.Contacts
	if a.Contacts == nil {
		switch a.Settings.ContactStore {
		case config.CONTACT_STORE_REDIS:
			client, err := contacts.Connect(ctx, a.Settings.RedisAddr, a.Settings.RedisPassword, a.Settings.RedisDB)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, client.Close)
			a.Contacts = contacts.NewRedisStore(client, "cflow:")
			slog.Info("Using Redis contact store", "addr", a.Settings.RedisAddr, "db", a.Settings.RedisDB)
		case config.CONTACT_STORE_MEMORY, "":
			a.Contacts = contacts.NewMemoryStore()
			slog.Warn("Using in-memory contact store, contacts are lost on restart")
		default:
			return fmt.Errorf("unsupported contact store %q", a.Settings.ContactStore)
		}
	}
	if opts.Email == nil {
		switch a.Settings.EmailProvider {
		case config.EMAIL_PROVIDER_HTTP:
			opts.Email = email.NewHTTPDispatcher(a.Settings.EmailProviderURL)
		case config.EMAIL_PROVIDER_LOG, "":
			opts.Email = email.LogDispatcher{}
		default:
			return fmt.Errorf("unsupported email provider %q", a.Settings.EmailProvider)
		}
	}
	if opts.Webhooks == nil {
		opts.Webhooks = webhook.NewCaller()
	}
	return nil
}

// Run starts the bus consumers, the scheduler and the HTTP server, and blocks
// until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Settings.OtelEnabled {
		shutdown, err := telemetry.Setup(ctx, a.Settings.ServiceName)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("Failed to flush traces", "error", err)
			}
		}()
	}

	if err := a.Bus.ConsumeTriggers(ctx, a.Engine.Matcher); err != nil {
		return err
	}
	if err := a.Bus.ConsumeDeliveries(ctx, a.Engine.Tracker); err != nil {
		return err
	}
	if err := a.Bus.ConsumeNotifications(ctx, logNotification); err != nil {
		return err
	}

	go a.Engine.Scheduler.Start(ctx)

	addr := ":" + a.Settings.ServerWebPort
	srv := &http.Server{Addr: addr, Handler: a.Mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("HTTP server failed", "error", err)
		return err
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		slog.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

// Close releases the database, bus and Redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func logNotification(ctx context.Context, n domain.Notification) error {
	slog.InfoContext(ctx, "Workflow notification", "definition_id", n.DefinitionID, "enrollment_id", n.EnrollmentID,
		"contact_id", n.ContactID, "step_id", n.StepID, "message", n.Message)
	return nil
}

// OpenDatabase migrates and opens the configured database.
func OpenDatabase(settings *config.Settings) (*sql.DB, error) {
	switch settings.DatabaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return setupPostgresDatabase(settings.DatabaseURL)
	case config.DATABASE_TYPE_MYSQL:
		return setupMysqlDatabase(settings.DatabaseURL)
	case config.DATABASE_TYPE_SQLLITE:
		return setupSqlLiteDatabase(settings.DatabaseSqlLiteFile)
	}
	return nil, fmt.Errorf("CFLOW_DATABASE_TYPE must be set to one of the following values: POSTGRES, MYSQL, SQLLITE")
}

func setupPostgresDatabase(dbURL string) (*sql.DB, error) {
	slog.Info("Using Postgres database")
	slog.Info("Running migrations")
	if err := migrations.Up("postgres", dbURL); err != nil {
		return nil, fmt.Errorf("DB migration failed: %w", err)
	}
	slog.Info("Opening Postgres database")
	return openAndPing("postgres", dbURL)
}

func setupSqlLiteDatabase(fileName string) (*sql.DB, error) {
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := migrations.Up("sqlite3", "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("DB migration failed: %w", err)
	}
	slog.Info("Opening SQLite database")
	db, err := openAndPing("sqlite3", fileName+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// a single connection serialises writers; SQLite allows only one anyway
	db.SetMaxOpenConns(1)
	return db, nil
}

func setupMysqlDatabase(dbURL string) (*sql.DB, error) {
	slog.Info("Using MySQL database")
	slog.Info("Running migrations")
	if err := migrations.Up("mysql", dbURL); err != nil {
		return nil, fmt.Errorf("DB migration failed: %w", err)
	}
	slog.Info("Opening MySQL database")
	return openAndPing("mysql", MysqlDSN(dbURL))
}

// MysqlDSN strips the mysql:// scheme golang-migrate needs and asks the
// driver for matched instead of changed row counts, which the claim and
// commit statements rely on.
func MysqlDSN(dbURL string) string {
	dsn := strings.Replace(dbURL, "mysql://", "", 1)
	if strings.Contains(dsn, "clientFoundRows=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&clientFoundRows=true"
	}
	return dsn + "?clientFoundRows=true"
}

func openAndPing(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("DB connection failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s DB: %w", driver, err)
	}
	return db, nil
}

// SetupLogger installs a tint handler as the default slog logger.
func SetupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339Nano,
		}),
	))
}
