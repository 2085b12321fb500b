package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defistate/amm-engine-go/amm"
	"github.com/defistate/amm-engine-go/config"
	"github.com/defistate/amm-engine-go/events"
	"github.com/defistate/amm-engine-go/ledger"
	"github.com/defistate/amm-engine-go/streams/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// create the log handler
	rootLogHandler := slog.NewJSONHandler(os.Stdout, nil)
	close := func() {
		os.Exit(1)
	}

	rootLogger := slog.New(rootLogHandler)
	prometheusRegistry := prometheus.DefaultRegisterer
	cfg, err := loadConfig()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		close()
	}

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := events.NewFeed()
	memLedger := ledger.NewMemLedger()

	registry, err := amm.NewRegistry(amm.Config{
		Ledger: memLedger,
		Params: amm.Params{
			FeeBps:               cfg.FeeBps,
			MinimumLiquidity:     cfg.MinimumLiquidityBig(),
			ProtocolFeeEnabled:   cfg.ProtocolFeeEnabled,
			ProtocolFeeRecipient: cfg.ProtocolFeeRecipientAddress(),
		},
		Logger:   rootLogger.With("component", "registry"),
		Registry: prometheusRegistry,
		Events:   feed,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize pool registry", "error", err)
		close()
	}

	router, err := amm.NewRouter(amm.RouterConfig{
		Registry:   registry,
		BaseTokens: cfg.BaseTokenAddresses(),
		MaxHops:    cfg.MaxHops,
		Logger:     rootLogger.With("component", "router"),
	})
	if err != nil {
		rootLogger.Error("Failed to initialize router", "error", err)
		close()
	}
	broadcaster, err := ws.NewBroadcaster(ws.Config{
		Feed:       feed,
		Logger:     rootLogger.With("component", "stream"),
		BufferSize: cfg.EventBufferSize,
		Registry:   prometheusRegistry,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize stream broadcaster", "error", err)
		close()
	}

	streamMux := http.NewServeMux()
	streamMux.Handle("/stream", broadcaster)
	streamMux.HandleFunc("/quote", quoteHandler(router, rootLogger.With("component", "quote")))
	streamMux.HandleFunc("/pools", poolsHandler(registry))
	streamServer := &http.Server{Addr: cfg.ListenAddr, Handler: streamMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	errCh := make(chan error, 2)
	go func() {
		rootLogger.Info("Event stream listening", "addr", cfg.ListenAddr)
		errCh <- streamServer.ListenAndServe()
	}()
	go func() {
		rootLogger.Info("Metrics listening", "addr", cfg.MetricsAddr)
		errCh <- metricsServer.ListenAndServe()
	}()

	rootLogger.Info("Engine ready",
		"fee_bps", cfg.FeeBps,
		"minimum_liquidity", cfg.MinimumLiquidity,
		"base_tokens", len(cfg.BaseTokens),
		"max_hops", cfg.MaxHops,
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLogger.Error("Fatal server error", "error", err)
		}
	case <-ctx.Done():
		rootLogger.Info("Shutdown signal received.")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := streamServer.Shutdown(shutdownCtx); err != nil {
		rootLogger.Warn("Stream server shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		rootLogger.Warn("Metrics server shutdown failed", "error", err)
	}
}

// quoteHandler serves GET /quote?in=<addr>&out=<addr>&amount=<int>: the best
// route and its quoted output at current reserves.
func quoteHandler(router *amm.Router, logger *slog.Logger) http.HandlerFunc {
	type response struct {
		Tokens    []common.Address `json:"tokens"`
		Pools     []uint64         `json:"pools"`
		AmountIn  *big.Int         `json:"amountIn"`
		AmountOut *big.Int         `json:"amountOut"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tokenIn := common.HexToAddress(r.URL.Query().Get("in"))
		tokenOut := common.HexToAddress(r.URL.Query().Get("out"))
		amount, ok := new(big.Int).SetString(r.URL.Query().Get("amount"), 10)
		if !ok {
			http.Error(w, "invalid amount", http.StatusBadRequest)
			return
		}

		route, err := router.FindBestRoute(tokenIn, tokenOut, amount, 0)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, amm.ErrNoRouteFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response{
			Tokens:    route.Tokens,
			Pools:     route.Pools,
			AmountIn:  amount,
			AmountOut: route.QuotedOut,
		}); err != nil {
			logger.Warn("Failed to write quote response", "error", err)
		}
	}
}

// poolsHandler serves GET /pools: a snapshot of every pool.
func poolsHandler(registry *amm.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.Views())
	}
}

func loadConfig() (*config.Config, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
