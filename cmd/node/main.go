package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	redisadapter "github.com/solshield/mev-protect-node/adapters/redis"
	"github.com/solshield/mev-protect-node/mevprotect"
	"github.com/solshield/mev-protect-node/rpcserver"
	"github.com/solshield/mev-protect-node/slotqueue"
)

var (
	version = "dev" // is set during build process

	// Slotqueue is configured using its own env variables, see `slotqueue` package.

	// Default values
	defaultDebug             = os.Getenv("DEBUG") == "1"
	defaultLogProd           = os.Getenv("LOG_PROD") == "1"
	defaultLogService        = os.Getenv("LOG_SERVICE")
	defaultPort              = cli.GetEnv("PORT", "8080")
	defaultMetricsPort       = cli.GetEnv("METRICS_PORT", "8088")
	defaultChannelName       = cli.GetEnv("REDIS_CHANNEL_NAME", "mev-alerts")
	defaultRedisEndpoint     = cli.GetEnv("REDIS_ENDPOINT", "redis://localhost:6379")
	defaultRPCEndpoint       = cli.GetEnv("RPC_ENDPOINT", "http://127.0.0.1:8899")
	defaultTipSignerEndpoint = cli.GetEnv("TIP_SIGNER_ENDPOINT", "http://127.0.0.1:8899")
	defaultPostgresDSN       = cli.GetEnv("POSTGRES_DSN", "")
	defaultQueueWorkers      = cli.GetEnv("QUEUE_WORKERS", "4")
	defaultAnalyzeRateLimit  = cli.GetEnv("ANALYZE_RATE_LIMIT", "10")
	// See `RelaysConfig` relays.go for more info
	defaultRelaysConfig      = cli.GetEnv("RELAYS_CONFIG", "relays.yaml")
	defaultProtectionEnabled = cli.GetEnv("PROTECTION_ENABLED", "1")
	defaultTipOverride       = cli.GetEnv("TIP_OVERRIDE", "0")

	// Flags
	debugPtr             = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr           = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr        = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr              = flag.String("port", defaultPort, "port to listen on")
	channelPtr           = flag.String("channel", defaultChannelName, "redis pub/sub channel name for alerts")
	redisPtr             = flag.String("redis", defaultRedisEndpoint, "redis url string")
	rpcPtr               = flag.String("rpc", defaultRPCEndpoint, "chain rpc endpoint")
	tipSignerPtr         = flag.String("tip-signer", defaultTipSignerEndpoint, "tip signer service endpoint")
	postgresDSNPtr       = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty disables persistence")
	queueWorkersPtr      = flag.String("queue-workers", defaultQueueWorkers, "number of deferred execution workers")
	analyzeRateLimitPtr  = flag.String("analyze-rate-limit", defaultAnalyzeRateLimit, "analyze rate limit for external users (calls per second)")
	relaysConfigPtr      = flag.String("relays-config", defaultRelaysConfig, "relays config file")
	protectionEnabledPtr = flag.String("protection-enabled", defaultProtectionEnabled, "enable mev protection (0-1)")
	tipOverridePtr       = flag.String("tip-override", defaultTipOverride, "fixed relay tip in lamports, 0 uses the level defaults")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting mev-protect-node", zap.String("version", version))

	redisOpts, err := redis.ParseURL(*redisPtr)
	if err != nil {
		logger.Fatal("Failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)

	chainClient := mevprotect.NewCachingChainClient(mevprotect.NewJSONRPCChainClient(*rpcPtr))

	relayPool, err := mevprotect.LoadRelayConfig(logger, *relaysConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load relays config", zap.Error(err))
	}

	tipSigner := mevprotect.NewJSONRPCTipSigner(*tipSignerPtr)

	cfg := mevprotect.DefaultProtectionConfig()
	cfg.Enabled = *protectionEnabledPtr == "1"
	tipOverride, err := strconv.ParseUint(*tipOverridePtr, 10, 64)
	if err != nil {
		logger.Fatal("Failed to parse tip override", zap.Error(err))
	}
	cfg.TipOverride = tipOverride

	// flagged actors age out after a day
	actorFlags := redisadapter.NewActorFlagStore(redisClient, 24*time.Hour, "actor-flag")

	assessor := mevprotect.NewMempoolAssessor(logger, chainClient, actorFlags, mevprotect.DefaultAssessorConfig())
	feeCalculator := mevprotect.NewFeeCalculator(logger, chainClient, cfg, mevprotect.DefaultFeeConfig())
	relayClient := mevprotect.NewRelayClient(logger, cfg, relayPool, tipSigner)
	alertBackend := mevprotect.NewRedisAlertBackend(redisClient, *channelPtr)

	var (
		store       mevprotect.ExecutionStore
		statsReader mevprotect.StatsReader
	)
	if *postgresDSNPtr != "" {
		dbBackend, err := mevprotect.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		store = dbBackend
		statsReader = dbBackend
	} else {
		logger.Warn("Postgres DSN not set, persistence disabled")
	}

	orchestrator := mevprotect.NewOrchestrator(logger, cfg, assessor, feeCalculator, relayClient, chainClient, store, alertBackend)

	redisQueue := slotqueue.NewRedisQueue(logger, redisClient, "node")
	redisQueueConfig, err := slotqueue.ConfigFromEnv()
	if err != nil {
		logger.Fatal("Failed to load redis queue config", zap.Error(err))
	}
	redisQueue.Config = redisQueueConfig

	var queueWorkers int
	if _, err := fmt.Sscanf(*queueWorkersPtr, "%d", &queueWorkers); err != nil {
		logger.Fatal("Failed to parse queue workers", zap.Error(err))
	}
	if queueWorkers < 1 {
		logger.Fatal("Queue workers must be greater than 0")
	}
	protectionQueue := mevprotect.NewProtectionQueue(logger, redisQueue, chainClient, orchestrator, queueWorkers)
	queueWg := protectionQueue.Start(ctx)

	rateLimit, err := strconv.ParseFloat(*analyzeRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse analyze rate limit", zap.Error(err))
	}

	api := mevprotect.NewAPI(logger, orchestrator, protectionQueue, statsReader, rate.Limit(rateLimit))

	jsonRPCServer, err := rpcserver.NewHandler(rpcserver.Methods{
		mevprotect.AnalyzeTradeEndpointName: api.AnalyzeTrade,
		mevprotect.ExecuteTradeEndpointName: api.ExecuteTrade,
		mevprotect.QueueTradeEndpointName:   api.QueueTrade,
		mevprotect.ReportAttackEndpointName: api.ReportAttack,
		mevprotect.GetStatsEndpointName:     api.GetStats,
		mevprotect.HealthCheckEndpointName:  api.HealthCheck,
	})
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for queue to finish processing
	queueWg.Wait()
}
