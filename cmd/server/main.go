package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/analysis"
	"github.com/technosupport/ts-sentinel/internal/api"
	"github.com/technosupport/ts-sentinel/internal/audit"
	"github.com/technosupport/ts-sentinel/internal/batch"
	"github.com/technosupport/ts-sentinel/internal/broadcast"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/detector"
	"github.com/technosupport/ts-sentinel/internal/enrichment"
	"github.com/technosupport/ts-sentinel/internal/gpu"
	"github.com/technosupport/ts-sentinel/internal/health"
	"github.com/technosupport/ts-sentinel/internal/infer"
	"github.com/technosupport/ts-sentinel/internal/lifecycle"
	"github.com/technosupport/ts-sentinel/internal/queue"
	"github.com/technosupport/ts-sentinel/internal/workers"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "Config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config load error: %v", err)
	}
	store := config.NewStore(cfg)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	config.StartWatcher(rootCtx, *configPath, store)

	// DB init
	db, err := sql.Open("postgres", cfg.DB.ConnString())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}

	// Shared Redis client
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(rootCtx).Err(); err != nil {
		log.Fatalf("Redis ping error: %v", err)
	}

	// NATS is optional; the bridge is skipped when unset.
	var nc *nats.Conn
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		nc, err = nats.Connect(natsURL, nats.MaxReconnects(-1))
		if err != nil {
			log.Printf("[WARN] NATS connect failed, event bridge disabled: %v", err)
			nc = nil
		}
	}

	// Inference gate + GPU pressure
	sem := infer.Global(cfg.AI.MaxConcurrentInferences)

	samplers := []gpu.Sampler{gpu.CLISampler{}}
	if cfg.GPU.MetricsURL != "" {
		samplers = append(samplers, gpu.ContainerSampler{URL: cfg.GPU.MetricsURL})
	}
	samplers = append(samplers, gpu.MockSampler{UsedPct: cfg.GPU.MockVRAMUsedPct})

	monitor := gpu.NewMonitor(gpu.Config{
		PollInterval:      cfg.GPU.PollInterval(),
		WarningThreshold:  cfg.GPU.WarningThresholdPct,
		CriticalThreshold: cfg.GPU.CriticalThresholdPct,
		HistoryWindow:     time.Duration(cfg.GPU.StatsHistoryMinutes) * time.Minute,
	}, samplers...)
	monitor.OnLevelChange(func(newLevel, oldLevel gpu.Level) {
		if newLevel == gpu.LevelNormal {
			sem.RestorePermitsAfterPressure()
			return
		}
		sem.ReducePermitsForMemoryPressure(newLevel)
	})

	// Pipeline components
	queues := queue.NewManager(rdb, cfg.Queue.MaxLength, cfg.Queue.DLQRetention())
	aggregator := batch.NewAggregator(rdb, queues, store, monitor)

	cameras := data.CameraModel{DB: db}
	events := data.EventModel{DB: db}
	detections := data.DetectionModel{DB: db}

	enricher := enrichment.NewEnricher(cameras, events, rdb)
	publisher := broadcast.NewPublisher(rdb, cfg.Broadcast.Channel)

	llm := analysis.NewClient(store)
	analyzer := analysis.NewAnalyzer(db, rdb, store, llm, sem, enricher)
	analyzer.SetBroadcaster(publisher)
	analyzer.SetAudit(audit.NewService())

	aggregator.SetFastPath(func(ctx context.Context, cameraID string, detectionID int64) {
		if _, err := analyzer.AnalyzeDetectionFastPath(ctx, cameraID, detectionID); err != nil {
			log.Printf("[ERROR] Fast path for detection %d failed: %v", detectionID, err)
		}
	})

	det := detector.NewClient(store, sem, detections, aggregator, enricher)
	cascade := lifecycle.NewService(db)

	// Workers
	analysisWorker := workers.NewAnalysisQueueWorker(queues, analyzer, store)
	timeoutWorker := workers.NewBatchTimeoutWorker(aggregator, store)
	metricsWorker := workers.NewQueueMetricsWorker(queues)

	prober := health.NewProber(30*time.Second,
		health.Target{Name: "detector", Checker: det},
		health.Target{Name: "nemotron", Checker: healthFunc(analyzer.HealthCheck)},
	)

	hub := broadcast.NewHub(rdb, cfg.Broadcast.Channel)

	var forwarder *broadcast.NATSForwarder
	if nc != nil {
		forwarder = broadcast.NewNATSForwarder(rdb, nc, cfg.Broadcast.Channel, cfg.Broadcast.NATSSubject)
	}

	monitor.Start()
	analysisWorker.Start()
	timeoutWorker.Start()
	metricsWorker.Start()
	prober.Start()
	hub.Start()
	if forwarder != nil {
		forwarder.Start()
	}

	// HTTP surface
	router := api.NewRouter(api.Deps{
		Cameras: &api.CameraHandler{Cameras: cameras, Cascade: cascade},
		Detect:  &api.DetectHandler{Client: det},
		Events:  &api.EventHandler{Events: events, Cascade: cascade},
		Stream:  &api.StreamHandler{Analyzer: analyzer},
		Health:  &api.HealthHandler{Status: prober.Status},
		ServeWS: hub.ServeWS,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own deadlines
	}

	go func() {
		log.Printf("Server listening on :%s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}

	if forwarder != nil {
		forwarder.Stop()
	}
	hub.Stop()
	prober.Stop()
	metricsWorker.Stop()
	timeoutWorker.Stop()
	analysisWorker.Stop()
	monitor.Stop()
	rootCancel()

	if nc != nil {
		nc.Close()
	}
	rdb.Close()
	log.Println("Shutdown complete")
}

// healthFunc adapts a bare probe function to the health.Checker interface.
type healthFunc func(ctx context.Context) bool

func (f healthFunc) HealthCheck(ctx context.Context) bool { return f(ctx) }
