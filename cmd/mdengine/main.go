package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trading-pipeline/config"
	"trading-pipeline/internal/api"
	"trading-pipeline/internal/breaker"
	"trading-pipeline/internal/decision"
	"trading-pipeline/internal/dispatch"
	"trading-pipeline/internal/gateway"
	"trading-pipeline/internal/logger"
	"trading-pipeline/internal/marketdata"
	"trading-pipeline/internal/marketdata/rest"
	"trading-pipeline/internal/marketdata/stream"
	"trading-pipeline/internal/markethours"
	"trading-pipeline/internal/metrics"
	"trading-pipeline/internal/model"
	"trading-pipeline/internal/notification"
	"trading-pipeline/internal/pricecache"
	redisstore "trading-pipeline/internal/store/redis"
	"trading-pipeline/internal/tracing"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mdengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.Init("mdengine", logger.ParseLevel(cfg.LogLevel))
	defer log.Sync()
	log.Info("starting",
		zap.String("version", version),
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("staging", cfg.StagingMode),
	)
	if cfg.StagingMode {
		log.Warn("staging mode: upstream is the local tick server",
			zap.String("stream", cfg.StreamBaseURL),
			zap.String("rest", cfg.RESTBaseURL),
		)
	}

	if err := tracing.Init(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "mdengine",
		Version:     version,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	health.SetSymbols(cfg.Symbols)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, health, log)
	metricsSrv.Start()

	observeBreaker := func(b *breaker.Breaker) {
		prev := b.OnStateChange
		b.OnStateChange = func(name string, from, to breaker.State) {
			if prev != nil {
				prev(name, from, to)
			}
			prom.ObserveBreaker(name, to)
			health.SetBreaker(name, to)
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
		health.SetBreaker(b.Name(), b.CurrentState())
	}

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	alert := func(level notification.AlertLevel, title, msg string) {
		actx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := notifiers.Send(actx, notification.Alert{Level: level, Title: title, Message: msg}); err != nil {
			log.Error("alert delivery failed", zap.Error(err))
		}
	}

	// ---- Redis (optional, runs degraded when unreachable) ----
	redisBreaker := breaker.New("redis", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	redisCfg := redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Breaker:  redisBreaker,
	}
	rdb, err := redisstore.NewClient(ctx, redisCfg)
	if err != nil {
		log.Warn("redis unreachable, continuing degraded", zap.Error(err))
	}
	health.SetRedisConnected(err == nil)
	health.StartLivenessChecker(ctx, rdb, 10*time.Second)

	publisher := redisstore.NewPublisher(rdb, redisCfg, log)
	publisher.OnWrite = prom.ObserveRedisWrite
	observeBreaker(redisBreaker)
	snapshots := redisstore.NewBufferedPublisher(ctx, publisher)
	snapshots.OnBuffer = prom.RedisBufferedWrites.Inc
	ticksOut := redisstore.NewTickWriter(publisher, redisstore.DefaultTickQueue)
	ticksOut.OnDrop = func(string) { prom.RedisTickDrops.Inc() }
	reader := redisstore.NewReader(rdb)
	defer publisher.Close()

	// ---- Tick path: stream → price cache → dispatcher → observers ----
	prices := pricecache.New()

	dispatcher := dispatch.New(log)
	dispatcher.OnError = func(observer string, _ error) {
		prom.CallbackErrors.WithLabelValues(observer).Inc()
	}
	dispatcher.Register(ticksOut)

	hub := gateway.NewHub(log)
	hub.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	hub.OnDrop = func(symbol string) { prom.GatewayDrops.WithLabelValues(symbol).Inc() }
	hub.OnLatency = func(d time.Duration) { prom.GatewayLatency.Observe(d.Seconds()) }
	dispatcher.Register(hub)
	defer hub.Close()

	conn := stream.New(stream.Config{BaseURL: cfg.StreamBaseURL}, prices, dispatcher, log)
	conn.OnTick = func(t model.PriceTick) {
		prom.TicksTotal.WithLabelValues(t.Symbol).Inc()
		health.SetLastTickTime(t.EventTime)
	}
	conn.OnParseError = func(error) { prom.ParseErrors.Inc() }
	conn.OnState = func(up bool) {
		health.SetWSConnected(up)
		if up {
			prom.StreamUp.Set(1)
		} else {
			prom.StreamUp.Set(0)
		}
	}

	policy := stream.NewBackoffPolicy(stream.PolicyConfig{
		InitialInterval: cfg.ReconnectInitial,
		MaxInterval:     cfg.ReconnectMax,
		MaxRetries:      cfg.ReconnectMaxRetries,
	})
	supervisor := stream.NewSupervisor(conn, cfg.Symbols, policy, log)
	supervisor.OnReconnect = func(attempt int, delay time.Duration, cause error) {
		prom.WSReconnects.Inc()
		if attempt == 1 {
			go alert(notification.AlertWarning, "Stream disconnected",
				fmt.Sprintf("reconnecting in %s: %v", delay.Truncate(time.Millisecond), cause))
		}
	}
	supervisor.OnGiveUp = func(cause error) {
		prom.WSGiveUps.Inc()
		alert(notification.AlertCritical, "Stream gave up", cause.Error())
	}

	if err := supervisor.Start(ctx); err != nil {
		alert(notification.AlertCritical, "Stream start failed", err.Error())
		return fmt.Errorf("stream start: %w", err)
	}
	if missing := conn.Missing(ctx, cfg.StartupTimeout); len(missing) > 0 {
		log.Warn("no initial tick within startup timeout, treating as no live data",
			zap.Strings("symbols", missing),
			zap.Duration("timeout", cfg.StartupTimeout),
		)
	}

	// Long-running loops share one lifetime: if the supervisor gives up,
	// the decision loop and worker stop too.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return supervisor.Run(gctx) })
	g.Go(func() error { ticksOut.Run(gctx); return nil })

	// ---- Pull path: facade over cache + REST ----
	restBreaker := breaker.New("rest", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
	observeBreaker(restBreaker)
	client := rest.New(rest.Config{
		BaseURL: cfg.RESTBaseURL,
		Timeout: cfg.RequestTimeout,
		Retries: 2,
		Breaker: restBreaker,
	}, log)
	client.OnRequest = prom.ObserveRequest

	facade := marketdata.New(marketdata.Config{
		Interval: cfg.CandleInterval,
		Limit:    cfg.CandleLimit,
		TTL:      cfg.CandleTTL,
	}, prices, client, log)
	facade.Candles().OnLookup = func(_ string, hit bool) { prom.ObserveLookup(hit) }
	facade.OnSnapshot = func(s model.MarketSnapshot) {
		prom.SnapshotsTotal.WithLabelValues(s.PriceSource).Inc()
	}
	facade.OnMiss = func(string, error) { prom.SnapshotMisses.Inc() }

	apiSrv := api.NewServer(cfg.APIAddr, api.NewRouter(api.Deps{
		Market:    facade,
		Published: reader,
		Health:    health,
		Ticks:     hub,
		Log:       log,
	}), log)
	apiSrv.Start()

	// ---- Decision loop ----
	var decider decision.Decider = decision.NewRuleDecider(cfg.StopLossPct, cfg.TakeProfitPct)
	if cfg.DecisionMode == config.DecisionObserve {
		decider = decision.LogDecider{}
	}
	log.Info("decision loop", zap.String("mode", cfg.DecisionMode), zap.String("decider", decider.Name()))
	worker := decision.NewWorker(&decision.Consensus{
		Deciders:      []decision.Decider{decider},
		MinConfidence: cfg.MinConfidence,
	}, cfg.DecisionQueueSize, log)
	worker.OnSignal = func(decision.Signal) { prom.DecisionsTotal.Inc() }
	worker.OnDrop = func(string) { prom.DecisionQueueDrop.Inc() }
	g.Go(func() error { worker.Run(gctx); return nil })
	go func() {
		for sig := range worker.Signals() {
			if sig.ShouldTrade {
				go alert(notification.AlertInfo, fmt.Sprintf("%s %s", sig.Action, sig.Symbol),
					fmt.Sprintf("price %.2f, confidence %.0f%%, SL %.2f%%, TP %.2f%%: %s",
						sig.Price, sig.Confidence, sig.StopLossPct, sig.TakeProfitPct, sig.Reason))
			}
		}
	}()

	window := markethours.NewWindow(cfg.TradingCutoffHour)
	loop := decision.NewLoop(decision.LoopConfig{
		Symbols:  cfg.Symbols,
		Interval: cfg.UpdateInterval,
		Window:   window,
	}, facade, worker, snapshots, log)
	loop.OnWindow = func(open bool) {
		if open {
			prom.TradingWindow.Set(1)
		} else {
			prom.TradingWindow.Set(0)
		}
	}
	g.Go(func() error { loop.Run(gctx); return nil })

	log.Info("pipeline ready",
		zap.String("api", cfg.APIAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("window", window.StatusString(time.Now())),
	)

	// ---- Wait for shutdown ----
	runErr := g.Wait()
	if runErr != nil {
		log.Error("stream supervisor stopped", zap.Error(runErr))
	} else {
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Stop()
	apiSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return runErr
}
