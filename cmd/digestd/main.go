package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chatdigest/chatdigest/pkg/analyze"
	"github.com/chatdigest/chatdigest/pkg/batch"
	"github.com/chatdigest/chatdigest/pkg/config"
	"github.com/chatdigest/chatdigest/pkg/kv/badgerstore"
	"github.com/chatdigest/chatdigest/pkg/pipeline"
	"github.com/chatdigest/chatdigest/pkg/report"
	"github.com/chatdigest/chatdigest/pkg/scheduler"
	"github.com/chatdigest/chatdigest/pkg/source"
	"github.com/chatdigest/chatdigest/pkg/status"
	"github.com/chatdigest/chatdigest/pkg/watermark"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	badgerGCInterval   = 10 * time.Minute
	openAIRequestGap   = 500 * time.Millisecond
)

func main() {
	log.Println("🚀 Starting digestd...")

	cfg := config.Load()
	log.Printf("⚙️  Configuration: %d subjects, collect every %v, report at %v, window %v",
		len(cfg.Subjects), cfg.CollectionInterval, cfg.ReportTimes, cfg.ReportSpan)

	if len(cfg.Subjects) == 0 {
		log.Println("⚠️  No subjects configured (set DIGESTD_SUBJECTS), scheduler will idle")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("❌ Failed to create data directory: %v", err)
	}
	log.Printf("📁 Data directory: %s", cfg.DataDir)

	store, err := badgerstore.New(badgerstore.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer store.Close()
	log.Println("💾 BadgerDB storage initialized")

	batches := batch.NewStore(store)
	marks := watermark.NewTracker(store, time.Now().Add(-cfg.ReportSpan).Unix())

	var extractor analyze.Extractor
	if cfg.OpenAIKey != "" {
		extractor = analyze.NewOpenAIExtractor(analyze.OpenAIConfig{
			APIKey:        cfg.OpenAIKey,
			Model:         cfg.OpenAIModel,
			MinRequestGap: openAIRequestGap,
		})
		log.Printf("🧠 OpenAI extractor ready (model: %s)", cfg.OpenAIModel)
	} else {
		extractor = analyze.HeuristicExtractor{}
		log.Println("⚠️  OPENAI_API_KEY not set, using heuristic extractor")
	}

	msgs := source.NewJSONLSource(cfg.DataDir)

	collector := &pipeline.Collector{
		Source:         msgs,
		Extractor:      extractor,
		Batches:        batches,
		Watermarks:     marks,
		MaxMessages:    cfg.MaxMessagesPerCycle,
		MinMessages:    cfg.MinMessagesPerCycle,
		TopicsPerBatch: cfg.TopicsPerBatch,
		QuotesPerBatch: cfg.QuotesPerBatch,
	}

	reporter := &pipeline.Reporter{
		Batches:             batches,
		Dispatcher:          report.LogDispatcher{},
		Span:                cfg.ReportSpan,
		RetentionMultiplier: cfg.RetentionMultiplier,
	}

	sched := scheduler.New(scheduler.Config{
		CollectionInterval: cfg.CollectionInterval,
		ActiveHourStart:    cfg.ActiveHourStart,
		ActiveHourEnd:      cfg.ActiveHourEnd,
		ReportTimes:        cfg.ReportTimes,
		StaggerDelay:       cfg.StaggerDelay,
		MaxConcurrent:      cfg.MaxConcurrent,
		LaneTimeout:        cfg.LaneTimeout,
		TickInterval:       config.SchedulerTick,
	}, collector, reporter)
	for _, subject := range cfg.Subjects {
		sched.Register(subject)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hub := status.NewEventHub()
	sched.SetBroadcaster(hub)
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	log.Println("📡 Lane event hub started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	log.Println("⏰ Scheduler started")

	// Badger accumulates deleted batches in the value log; periodic GC
	// keeps disk usage bounded
	wg.Add(1)
	go func() {
		defer wg.Done()
		runBadgerGC(ctx, store)
	}()

	handler := status.NewHandler(sched, batches, marks, hub)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Status API listening on http://localhost:%s", cfg.Port)
		log.Println("   GET /v1/health")
		log.Println("   GET /v1/subjects")
		log.Println("   GET /v1/subjects/{id}/status")
		log.Println("   GET /v1/ws")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Status server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// Cancel before wg.Wait or the scheduler goroutine never exits
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(shutdownTimeout):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 digestd exited cleanly")
}

// runBadgerGC reclaims value-log space on a fixed cadence.
func runBadgerGC(ctx context.Context, store *badgerstore.Store) {
	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := store.RunGC(0.5); err != nil {
				// Badger returns an error when no rewrite was needed
				log.Printf("🗑️  GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("🗑️  GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		}
	}
}
