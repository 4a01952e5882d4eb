package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Hoponga/bear-markets/internal/db"
	"github.com/Hoponga/bear-markets/internal/engine"
	"github.com/Hoponga/bear-markets/internal/ledger"
	"github.com/Hoponga/bear-markets/internal/ws"
)

// Server wires the exchange engine and the websocket hub behind HTTP
// handlers.
type Server struct {
	db       *sql.DB
	engine   *engine.Engine
	hub      *ws.Hub
	validate *validator.Validate
	log      *zap.Logger
}

func main() {
	// Load environment variables if present (non-fatal).
	godotenv.Load()

	logger, err := newLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting prediction market exchange server")

	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := ledger.InitSchema(context.Background(), database); err != nil {
		logger.Fatal("failed to initialize schema", zap.Error(err))
	}

	store, err := ledger.New(database)
	if err != nil {
		logger.Fatal("failed to prepare ledger store", zap.Error(err))
	}
	defer store.Close()

	srv := &Server{
		db:       database,
		validate: validator.New(),
		log:      logger,
	}
	// The hub snapshots through the server so it can be built before
	// the engine, which publishes back through the hub.
	srv.hub = ws.NewHub(srv.snapshot, logger)
	srv.engine = engine.New(store, logger, srv.hub)
	go srv.hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", srv.handleOrders)
	mux.HandleFunc("/orders/market", srv.handleMarketOrder)
	mux.HandleFunc("/orders/", srv.handleOrderByID)
	mux.HandleFunc("/markets", srv.handleMarkets)
	mux.HandleFunc("/markets/", srv.handleMarketByID)
	mux.HandleFunc("/users", srv.handleCreateUser)
	mux.HandleFunc("/users/", srv.handleUserByID)
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/health", srv.handleHealth)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	} else {
		logger.Info("server stopped")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}
