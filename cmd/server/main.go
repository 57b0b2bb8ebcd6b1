package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/maintenance"
	"github.com/vdavid/mailsync/internal/outbound"
	"github.com/vdavid/mailsync/internal/push"
	"github.com/vdavid/mailsync/internal/sendledger"
	"github.com/vdavid/mailsync/internal/syncer"
	"github.com/vdavid/mailsync/internal/watch"
	ws "github.com/vdavid/mailsync/internal/websocket"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Printf("Successfully connected to database")

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	app, err := newApp(cfg, pool)
	if err != nil {
		log.Fatalf("Failed to set up: %v", err)
	}
	defer app.close()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewServer(cfg, app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.runner.Run(gctx) })
	g.Go(func() error { app.poller.Run(gctx); return nil })
	g.Go(func() error { app.supervisor.Run(gctx); return nil })
	g.Go(func() error { app.startWatches(gctx); return nil })
	g.Go(func() error {
		log.Printf("Mailsync server starting on %s (environment: %s)", server.Addr, cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Mailsync server stopped: %v", err)
	}
	log.Println("Mailsync server stopped")
}

// app holds the long-lived components of the engine.
type app struct {
	verifier     *auth.Verifier
	users        *db.UserStore
	accounts     *db.AccountStore
	syncStates   *db.SyncStateStore
	messages     *db.MessageStore
	imapPool     *imap.Pool
	hub          *ws.Hub
	stream       *events.Stream
	dispatcher   *syncer.Dispatcher
	poller       *syncer.Poller
	watches      *watch.Coordinator
	outbound     *outbound.Service
	runner       *jobs.Runner
	supervisor   *maintenance.Supervisor
	webhookToken string
}

func newApp(cfg *config.Config, pool *pgxpool.Pool) (*app, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64, cfg.EncryptionPreviousKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	a := &app{
		verifier:     auth.NewVerifier(cfg.JWTSecret, cfg.TestMode),
		users:        db.NewUserStore(pool),
		accounts:     db.NewAccountStore(pool),
		syncStates:   db.NewSyncStateStore(pool),
		messages:     db.NewMessageStore(pool),
		imapPool:     imap.NewPool(cfg.IMAPMaxWorkers, cfg.IMAPUseTLS),
		hub:          ws.NewHub(cfg.WebSocketMaxPerAccount),
		webhookToken: cfg.PushWebhookToken,
	}
	jobStore := db.NewJobStore(pool)
	sendAttempts := db.NewSendAttemptStore(pool)
	queue := jobs.NewQueue(jobStore)
	transport := imap.NewTransport(a.imapPool, encryptor)

	a.stream = events.NewStream(db.NewEventStore(pool), a.hub)
	a.dispatcher = syncer.NewDispatcher(a.syncStates, queue, a.accounts, transport)

	var (
		subs     watch.SubscriptionStore
		provider watch.PushProvider
	)
	if cfg.GmailPubSubTopic != "" {
		subs = db.NewPushSubscriptionStore(pool)
		provider = push.NewGmailProvider(cfg.GmailPubSubTopic, encryptor)
	} else {
		log.Println("Server: MAILSYNC_GMAIL_PUBSUB_TOPIC not set, push notifications disabled")
	}
	a.watches = watch.NewCoordinator(transport, a.dispatcher, a.accounts, a.stream, subs, provider, watch.Config{
		Debounce:      cfg.IdleDebounce,
		DegradedAfter: cfg.WatchDegradedAfter,
	})
	a.poller = syncer.NewPoller(a.syncStates, a.dispatcher, a.watches, cfg.PollInterval)

	worker := syncer.NewWorker(a.syncStates, a.messages, a.accounts, transport, a.stream, syncer.Config{
		BatchSize:             cfg.SyncBatchSize,
		MaxBatchesPerPass:     cfg.SyncMaxBatches,
		MetadataRefreshWindow: cfg.MetadataRefreshWindow,
		ReconcileInterval:     cfg.ReconcileInterval,
	})
	a.outbound = outbound.NewService(sendAttempts, queue)
	a.runner = jobs.NewRunner(jobStore, jobs.RunnerConfig{
		Concurrency:  cfg.JobConcurrency,
		PollInterval: cfg.JobPollInterval,
		JobTimeout:   cfg.JobTimeout,
	},
		syncer.NewTask(worker, a.dispatcher, cfg.InFlightRetryDelay),
		outbound.NewTask(sendledger.New(sendAttempts), outbound.NewSMTPSender(encryptor, cfg.IMAPUseTLS), a.accounts, a.stream),
	)

	a.supervisor = maintenance.NewSupervisor(maintenance.Deps{
		Syncs:    a.syncStates,
		Enqueuer: a.dispatcher,
		Watches:  a.watches,
		Leases:   jobStore,
		Sends:    sendAttempts,
		Events:   a.stream,
	}, maintenance.Config{
		Interval:            cfg.MaintenanceInterval,
		StaleSyncAfter:      cfg.StaleSyncAfter,
		WatchStaleAfter:     cfg.WatchStaleAfter,
		PushRenewInterval:   cfg.PushRenewInterval,
		PushRenewBefore:     cfg.PushRenewBefore,
		LeaseTimeout:        cfg.LeaseTimeout,
		SendInFlightTimeout: cfg.SendInFlightTimeout,
	})

	return a, nil
}

// startWatches keeps INBOX of every account live from startup.
func (a *app) startWatches(ctx context.Context) {
	accounts, err := a.accounts.ListAccounts(ctx)
	if err != nil {
		log.Printf("Server: Failed to list accounts for watches: %v", err)
		return
	}
	for _, account := range accounts {
		if err := a.watches.StartIdle(ctx, account.ID, "INBOX"); err != nil {
			log.Printf("Server: Failed to start INBOX watch for account %s: %v", account.ID, err)
		}
	}
	log.Printf("Server: Started INBOX watches for %d accounts", len(accounts))
}

func (a *app) close() {
	a.watches.Close()
	a.imapPool.Close()
}

// NewServer creates and returns a new HTTP handler for the mailsync API server.
func NewServer(cfg *config.Config, a *app) http.Handler {
	syncHandler := api.NewSyncHandler(a.users, a.accounts, a.syncStates, a.dispatcher, a.watches)
	watchHandler := api.NewWatchHandler(a.users, a.accounts, a.watches, a.webhookToken)
	sendHandler := api.NewSendHandler(a.users, a.accounts, a.outbound)
	eventsHandler := api.NewEventsHandler(a.users, a.accounts, a.stream)
	conversationHandler := api.NewConversationHandler(a.users, a.accounts, a.messages)
	wsHandler := api.NewWebSocketHandler(a.users, a.accounts, a.verifier, a.hub, a.watches)

	requireAuth := func(h http.HandlerFunc) http.Handler {
		return a.verifier.RequireAuth(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/v1/sync/state", requireAuth(syncHandler.GetState))
	mux.Handle("/api/v1/sync/start", requireAuth(syncHandler.StartSync))
	mux.Handle("/api/v1/sync/cancel", requireAuth(syncHandler.CancelSync))
	mux.Handle("/api/v1/watch/start", requireAuth(watchHandler.StartWatch))
	mux.Handle("/api/v1/watch/stop", requireAuth(watchHandler.StopWatch))
	mux.Handle("/api/v1/push/enable", requireAuth(watchHandler.EnablePush))
	mux.Handle("/api/v1/push/disable", requireAuth(watchHandler.DisablePush))
	mux.Handle("/api/v1/send", requireAuth(sendHandler.Send))
	mux.Handle("/api/v1/events", requireAuth(eventsHandler.Stream))
	mux.Handle("/api/v1/conversation", requireAuth(conversationHandler.GetConversation))
	// Pub/Sub authenticates with the shared token in the query string.
	mux.HandleFunc("/api/v1/push/webhook", watchHandler.PushWebhook)
	// WebSocket handler handles its own authentication via query parameter
	// (since browsers can't set headers on WebSocket connections).
	mux.HandleFunc("/api/v1/ws", wsHandler.Handle)

	if cfg.TestMode {
		log.Println("Server: Test mode is on, email: tokens are accepted")
	}

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailsync API is running")
}
