package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/app"
	"folio/api/internal/asset"
	"folio/api/internal/authpw"
	"folio/api/internal/config"
	"folio/api/internal/editor"
	"folio/api/internal/email"
	"folio/api/internal/export"
	"folio/api/internal/gate"
	"folio/api/internal/gitrepo"
	"folio/api/internal/identity"
	"folio/api/internal/pages"
	"folio/api/internal/publish"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/storage"
	"folio/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		log.Fatalf("site profile: %v", err)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": dataStore}

	// Refresh sessions live in Redis when it is configured.
	var refresh identity.RefreshStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		refresh = redisStore
		checks["redis"] = redisStore
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	passwords := authpw.NewService(dataStore)
	if cfg.OperatorEmail != "" && cfg.OperatorPassword != "" {
		if _, err := passwords.EnsureOperator(ctx, cfg.OperatorEmail, cfg.OperatorPassword, cfg.OperatorName); err != nil {
			log.Printf("WARNING: operator bootstrap failed (will retry on next restart): %v", err)
		}
	}
	if cfg.OperatorEmail == "" {
		log.Printf("WARNING: FOLIO_OPERATOR_EMAIL is empty, nobody can edit")
	}

	identitySvc := identity.New(identity.Config{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Users:      dataStore,
		Refresh:    refresh,
		Passwords:  passwords,
	})
	sessionGate := gate.New(identitySvc, cfg.OperatorEmail)
	sessionGate.Watch(identitySvc)

	storageCfg := storage.Config{
		Endpoint:   cfg.StorageEndpoint,
		AccessKey:  cfg.StorageAccessKey,
		SecretKey:  cfg.StorageSecretKey,
		UseSSL:     cfg.StorageUseSSL,
		PublicBase: cfg.StoragePublicBase,
	}
	objects, err := storage.NewMinIO(storageCfg)
	if err != nil {
		log.Fatalf("object storage: %v", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.StorageBucket); err != nil {
		log.Printf("WARNING: bucket %s not ready, uploads will fail: %v", cfg.StorageBucket, err)
	}
	checks["storage"] = objects

	loader := pages.Loader{
		Static:    pages.Resolver{Dir: cfg.SiteDir},
		Snapshots: dataStore,
		AssetBase: strings.TrimRight(storage.PublicBase(storageCfg), "/") + "/" + cfg.StorageBucket,
	}

	history := gitrepo.New(cfg.HistoryDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db), dataStore)
	go searchService.ReindexAllFromPG(ctx)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	editors := editor.NewManager(editor.Config{
		Profile:     profile,
		Gate:        sessionGate,
		Loader:      loader,
		Storage:     objects,
		Bucket:      cfg.StorageBucket,
		Pages:       dataStore,
		Audit:       dataStore,
		Cards:       asset.CardSync{Projects: dataStore},
		Hooks:       []publish.Hook{history.Hook(), searchService.Hook()},
		RescanDelay: cfg.RescanDelay,
	})
	defer editors.Close()
	sessionGate.OnRevoke(editors.DeactivateUser)

	service := app.New(app.Deps{
		Editors:   editors,
		Identity:  identitySvc,
		Gate:      sessionGate,
		Passwords: passwords,
		Mailer:    mailer,
		Site:      loader,
		History:   history,
		Audit:     dataStore,
		PDF:       export.NewService(loader, strings.TrimRight(cfg.PublicURL, "/")+"/site/"),
		Search:    searchService,
		Checks:    checks,
		PublicURL: cfg.PublicURL,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Folio API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
