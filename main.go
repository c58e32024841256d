package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	cfg "github.com/example/authd/internal/config"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type App struct {
	DB            DB
	log           *zap.Logger
	hasher        *Hasher
	sso           Federator
	roles         RoleChecker
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
}

func newLogger(c *cfg.Config) (*zap.Logger, error) {
	var conf zap.Config
	if c.IsProduction() {
		conf = zap.NewProductionConfig()
	} else {
		conf = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	conf.Level = level
	return conf.Build()
}

func main() {
	c, err := cfg.New()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	logger, err := newLogger(c)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer logger.Sync()

	jwtSecret = []byte(c.JwtSecret)

	var db DB
	switch c.DBAdapter {
	case "sqlite":
		s, err := NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			logger.Fatal("sqlite init", zap.Error(err))
		}
		db = s
	case "postgres":
		logger.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", c.PostgresDSN, logger); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
		p, err := NewPostgresDB(c.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres init", zap.Error(err))
		}
		db = p
		logger.Info("connected to PostgreSQL database")
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		db = NewMemoryDB()
	default:
		logger.Fatal("unsupported DB_ADAPTER", zap.String("adapter", c.DBAdapter))
	}

	workers := int64(c.HashWorkers)
	if workers == 0 {
		workers = int64(runtime.NumCPU())
	}

	app := &App{
		DB:            db,
		log:           logger,
		hasher:        NewHasher(workers, c.BcryptCost),
		sso:           noopFederator{},
		roles:         NewStaticRoles(c.AdminUsers),
		accessTTL:     c.AccessTokenTTL,
		refreshTTL:    c.RefreshTokenTTL,
		rotateRefresh: c.RotateRefreshTokens,
	}

	srv := &http.Server{
		Handler:      app.Router(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", c.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("shutdown failed", zap.Error(err))
	}
	logger.Info("server exited properly")
}

// Router wires the HTTP surface.
func (a *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(a.Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := a.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")

	r.HandleFunc("/oauth2/token", a.HandleToken).Methods("POST")
	r.HandleFunc("/oauth2/tokeninfo", a.HandleTokenInfo).Methods("GET")
	r.HandleFunc("/oauth2/revoke", a.HandleRevoke).Methods("POST")
	r.HandleFunc("/users", a.HandleRegisterUser).Methods("POST")

	protected := r.NewRoute().Subrouter()
	protected.Use(a.RequireToken)
	protected.HandleFunc("/clients", a.HandleRegisterClient).Methods("POST")
	protected.HandleFunc("/clients/{id}", a.HandleDescribeClient).Methods("GET")
	protected.HandleFunc("/clients/{id}", a.HandleDeregisterClient).Methods("DELETE")
	protected.HandleFunc("/admin/users", a.HandleFindUsers).Methods("GET")

	return r
}
