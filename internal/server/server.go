package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/eskrenkovic/matchpoint/internal/config"
	"github.com/eskrenkovic/matchpoint/internal/docstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/memstore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/mongostore"
	"github.com/eskrenkovic/matchpoint/internal/docstore/pgstore"
	conversationscommands "github.com/eskrenkovic/matchpoint/internal/modules/conversations/commands"
	conversationsdomain "github.com/eskrenkovic/matchpoint/internal/modules/conversations/domain"
	conversationsqueries "github.com/eskrenkovic/matchpoint/internal/modules/conversations/queries"
	"github.com/eskrenkovic/matchpoint/internal/modules/core"
	eventscommands "github.com/eskrenkovic/matchpoint/internal/modules/events/commands"
	eventsdomain "github.com/eskrenkovic/matchpoint/internal/modules/events/domain"
	eventsqueries "github.com/eskrenkovic/matchpoint/internal/modules/events/queries"
	"github.com/eskrenkovic/matchpoint/internal/modules/identity"
	"github.com/eskrenkovic/matchpoint/internal/modules/notifications"
	notificationsdomain "github.com/eskrenkovic/matchpoint/internal/modules/notifications/domain"
	notificationsqueries "github.com/eskrenkovic/matchpoint/internal/modules/notifications/queries"

	"github.com/eskrenkovic/mediator-go"
	"github.com/eskrenkovic/migrate-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type Server interface {
	Start() error
	Stop(ctx context.Context) error
}

var _ Server = &HTTPServer{}

// HTTPServer acts as the composition root for an application.
type HTTPServer struct {
	server     *http.Server
	router     http.Handler
	store      docstore.Store
	dispatcher *docstore.Dispatcher
	logger     *zap.Logger

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

func NewHTTPServer(config config.Config) (*HTTPServer, error) {
	baseCtx := context.Background()
	logger := config.Logger

	store, err := openStore(baseCtx, config)
	if err != nil {
		return nil, err
	}

	verifier, err := identity.NewVerifier(config.Identity.SigningKey, config.Identity.Issuer, config.Identity.Audience)
	if err != nil {
		return nil, err
	}

	requestLoggingBehavior := core.RequestLoggingBehavior{Logger: logger}
	handlerErrorLoggingBehavior := core.HandlerErrorLoggingBehavior{Logger: logger}
	requestValidationBehavior := core.RequestValidationBehavior{}

	mediator.RegisterPipelineBehavior(&requestLoggingBehavior)
	mediator.RegisterPipelineBehavior(&handlerErrorLoggingBehavior)
	mediator.RegisterPipelineBehavior(&requestValidationBehavior)

	// handler registration

	now := func() time.Time { return time.Now().UTC() }
	txOpts := []docstore.TxOption{docstore.WithMaxAttempts(config.TxMaxAttempts)}

	// events

	proposeEventHandler := eventscommands.NewProposeEventCommandHandler(store, now, txOpts...)
	err = mediator.RegisterRequestHandler[eventscommands.ProposeEventCommand, eventscommands.ProposeEventResponse](
		proposeEventHandler,
	)
	if err != nil {
		return nil, err
	}

	updateEventHandler := eventscommands.NewUpdateEventCommandHandler(store, now, txOpts...)
	err = mediator.RegisterRequestHandler[eventscommands.UpdateEventCommand, eventsdomain.Event](
		updateEventHandler,
	)
	if err != nil {
		return nil, err
	}

	getEventHandler := eventsqueries.NewGetEventQueryHandler(store)
	err = mediator.RegisterRequestHandler[eventsqueries.GetEventQuery, eventsdomain.Event](
		getEventHandler,
	)
	if err != nil {
		return nil, err
	}

	getMatchEventsHandler := eventsqueries.NewGetMatchEventsQueryHandler(store)
	err = mediator.RegisterRequestHandler[eventsqueries.GetMatchEventsQuery, []eventsdomain.Event](
		getMatchEventsHandler,
	)
	if err != nil {
		return nil, err
	}

	// conversations

	ensureEventConversationHandler := conversationscommands.NewEnsureEventConversationCommandHandler(store, now, txOpts...)
	err = mediator.RegisterRequestHandler[conversationscommands.EnsureEventConversationCommand, conversationscommands.EnsureEventConversationResponse](
		ensureEventConversationHandler,
	)
	if err != nil {
		return nil, err
	}

	getConversationHandler := conversationsqueries.NewGetConversationQueryHandler(store)
	err = mediator.RegisterRequestHandler[conversationsqueries.GetConversationQuery, conversationsdomain.Conversation](
		getConversationHandler,
	)
	if err != nil {
		return nil, err
	}

	// notifications

	listNotificationsHandler := notificationsqueries.NewListNotificationsQueryHandler(store)
	err = mediator.RegisterRequestHandler[notificationsqueries.ListNotificationsQuery, []notificationsdomain.Notification](
		listNotificationsHandler,
	)
	if err != nil {
		return nil, err
	}

	dispatcher := docstore.NewDispatcher(
		store,
		logger.Named("dispatcher"),
		docstore.WithPollInterval(config.Feed.PollInterval),
		docstore.WithMaxDeliveryAttempts(config.Feed.MaxDeliveryAttempts),
	)
	notifications.NewFanOut(store, logger.Named("notifications"), config.NotificationLocation, now).Register(dispatcher)

	// http

	r := chi.NewRouter()
	r.Use(
		core.CorrelationIDHTTPMiddleware,
		core.LoggerHTTPMiddleware(logger),
		middleware.Recoverer,
	)
	if config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(config.RequestTimeout))
	}

	r.Get("/health", handleHealth(store))

	r.Group(func(r chi.Router) {
		r.Use(identity.AuthenticationMiddleware(verifier))

		r.Post("/match-events", eventscommands.HandleProposeEvent)
		r.Get("/match-events/{id}", eventsqueries.HandleGetEvent)
		r.Post("/match-events/{id}/actions", eventscommands.HandleUpdateEvent)
		r.Put("/match-events/{id}/conversation", conversationscommands.HandleEnsureEventConversation)

		r.Get("/matches/{matchId}/events", eventsqueries.HandleGetMatchEvents)

		r.Get("/conversations/{id}", conversationsqueries.HandleGetConversation)

		r.Get("/notifications", notificationsqueries.HandleListNotifications)
	})

	server := http.Server{
		Addr:        net.JoinHostPort("", strconv.Itoa(config.Port)),
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	return &HTTPServer{
		server:     &server,
		router:     r,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Handler exposes the router so tests can serve it without a listener.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// StartWorkers runs the change feed dispatcher until ctx is done or Stop is called.
func (s *HTTPServer) StartWorkers(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopWorkers = cancel

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := s.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("dispatcher stopped", zap.Error(err))
		}
	}()
}

func (s *HTTPServer) Start() error {
	if s.stopWorkers == nil {
		s.StartWorkers(context.Background())
	}

	s.logger.Info("listening", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	shutdownErr := s.server.Shutdown(ctx)

	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	s.workers.Wait()

	_ = s.logger.Sync()

	return errors.Join(shutdownErr, s.store.Close(ctx))
}

func openStore(ctx context.Context, config config.Config) (docstore.Store, error) {
	switch config.StoreDriver {
	case "", "memory":
		return memstore.New(), nil
	case "postgres":
		db, err := sql.Open("postgres", config.DatabaseURL)
		if err != nil {
			return nil, err
		}

		if err := migrate.Run(ctx, db, config.MigrationsPath); err != nil {
			_ = db.Close()
			return nil, err
		}

		store := pgstore.New(db, config.Logger.Named("pgstore"))
		if err := store.Listen(ctx, config.DatabaseURL); err != nil {
			config.Logger.Warn("change notifications unavailable, falling back to polling", zap.Error(err))
		}

		return store, nil
	case "mongo":
		store, err := mongostore.Connect(ctx, config.MongoURL, config.MongoDatabase, config.Logger.Named("mongostore"))
		if err != nil {
			return nil, err
		}

		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver '%s'", config.StoreDriver)
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

func handleHealth(store docstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pinger, ok := store.(docstore.Pinger)
		if !ok {
			core.WriteOK(w, r, healthResponse{Status: "ok", Store: "connected"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pinger.Ping(ctx); err != nil {
			core.LogError(r.Context(), "health check: store ping failed", zap.Error(err))
			core.WriteResponse(w, r, http.StatusServiceUnavailable, healthResponse{Status: "error", Store: "disconnected"})
			return
		}

		core.WriteOK(w, r, healthResponse{Status: "ok", Store: "connected"})
	}
}
