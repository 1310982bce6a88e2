// Command tickserver simulates the upstream exchange for staging runs: a
// multiplexed ticker stream at /ws/<sym>@ticker/... plus the REST ticker and
// klines endpoints, so mdengine runs end to end without network access.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated symbols (default "BTCUSDT,ETHUSDT")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 1000)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"trading-pipeline/internal/logger"
)

func main() {
	v := viper.New()
	v.SetDefault("tick_server_addr", ":9001")
	v.SetDefault("tick_symbols", "BTCUSDT,ETHUSDT")
	v.SetDefault("tick_interval_ms", 1000)
	v.SetDefault("log_level", "info")
	v.AutomaticEnv()

	log := logger.Init("tickserver", logger.ParseLevel(v.GetString("log_level")))
	defer log.Sync()

	addr := v.GetString("tick_server_addr")
	interval := time.Duration(v.GetInt("tick_interval_ms")) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}

	mkt := newMarket(strings.Split(v.GetString("tick_symbols"), ","), time.Now().UnixNano())
	if len(mkt.order) == 0 {
		log.Fatal("no symbols configured via TICK_SYMBOLS")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub(log)
	go runGenerator(ctx, h, mkt, interval)

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(h, mkt, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening",
			zap.String("addr", addr),
			zap.Strings("symbols", mkt.order),
			zap.Duration("interval", interval),
		)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}

func runGenerator(ctx context.Context, h *hub, mkt *market, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, in := range mkt.step() {
				h.broadcast(in.Symbol, in.tickerFrame(now.UTC()))
			}
		}
	}
}
