// Command edgecached runs the edge cache as a standalone HTTP service:
// it wires the cache store, circuit breakers, upstream fetcher and
// request pipeline together behind a chi router, and runs the periodic
// expired-entry sweep and per-origin health probes alongside it (§5).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cdnedge-io/edgecache/breaker"
	"github.com/cdnedge-io/edgecache/cache"
	"github.com/cdnedge-io/edgecache/config"
	"github.com/cdnedge-io/edgecache/httpapi"
	"github.com/cdnedge-io/edgecache/pipeline"
	"github.com/cdnedge-io/edgecache/upstream"
)

// sweepInterval is the expired-entry cleanup cadence of §5.
const sweepInterval = 60 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("edgecached: %v", err)
	}
}

func run() error {
	cfg := loadConfig()

	store := cache.NewStore(cache.StoreConfig{
		MaxTotalSize: cfg.Cache.MaxSizeMB << 20,
		MaxEntrySize: cfg.Cache.MaxEntrySizeMB << 20,
		SWRWindow:    time.Duration(cfg.Cache.StaleWhileRevalidateSecs) * time.Second,
		Hierarchy: cache.HierarchyConfig{
			Enabled:            cfg.Cache.Hierarchy.Enabled,
			L1SizePercent:      cfg.Cache.Hierarchy.L1SizePercent,
			PromotionThreshold: cfg.Cache.Hierarchy.PromotionThreshold,
		},
		Tags: cache.TagsConfig{
			Enabled:         cfg.Cache.Tags.Enabled,
			MaxTagsPerEntry: cfg.Cache.Tags.MaxTagsPerEntry,
		},
	})

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSecs) * time.Second,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	coalescer := cache.NewCoalescer(cfg.Coalesce.MaxWaiters)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetcher := upstream.NewFetcher(httpClient)

	pl := pipeline.New(
		store,
		breakers,
		coalescer,
		fetcher,
		cfg.Origins,
		cache.TTLConfig{
			DefaultTTL: time.Duration(cfg.Cache.DefaultTTLSecs) * time.Second,
			MaxTTL:     time.Duration(cfg.Cache.MaxTTLSecs) * time.Second,
		},
		time.Duration(cfg.Cache.StaleWhileRevalidateSecs)*time.Second,
		time.Hour,
		cfg.CDNName,
	)
	pl.RespectCacheControl = cfg.Cache.RespectCacheControl

	handler := &httpapi.Handler{
		Pipeline: pl,
		Origins:  cfg.Origins,
	}
	router := httpapi.NewRouter(handler)

	server := &http.Server{
		Addr:         addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe := upstream.NewHealthProbe(httpClient, breakers)
	for _, name := range cfg.Origins.Names() {
		origin, _ := cfg.Origins.Lookup(name)
		probe.Start(ctx, origin)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runSweeper(gctx, store)
		return nil
	})
	g.Go(func() error {
		log.Printf("edgecached: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runSweeper drains on ctx cancellation, per §5 "Both respect a shutdown
// signal and drain on receipt."
func runSweeper(ctx context.Context, store *cache.Store) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := store.CleanupExpired()
			if n > 0 {
				log.Printf("edgecached: swept %d expired entries", n)
			}
		}
	}
}

func addr() string {
	if a := os.Getenv("EDGECACHED_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

// loadConfig builds the process configuration. Loading from disk (file
// watching, env overlay, format parsing) is an external collaborator per
// spec §1; this stands in with a minimal env-driven default so the
// binary is runnable standalone.
func loadConfig() config.Config {
	origins := config.NewOriginRegistry([]config.Origin{
		{
			Name:                    "default",
			URL:                     envOr("EDGECACHED_ORIGIN_URL", "http://localhost:9000"),
			TimeoutSecs:             5,
			MaxRetries:              2,
			HealthCheckPath:         "/healthz",
			HealthCheckIntervalSecs: 30,
			HealthCheckTimeoutSecs:  2,
		},
	})

	return config.Config{
		CDNName: envOr("EDGECACHED_NAME", "edgecache"),
		Cache: config.CacheConfig{
			MaxSizeMB:                512,
			MaxEntrySizeMB:           16,
			DefaultTTLSecs:           60,
			MaxTTLSecs:               3600,
			StaleWhileRevalidateSecs: 60,
			RespectCacheControl:      true,
			Hierarchy: config.HierarchyConfig{
				Enabled:            true,
				L1SizePercent:      0.2,
				PromotionThreshold: 3,
			},
			Tags: config.TagsConfig{
				Enabled:         true,
				MaxTagsPerEntry: 16,
			},
		},
		Origins: origins,
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutSecs: 30,
			SuccessThreshold: 2,
		},
		Coalesce: config.CoalesceConfig{
			Enabled:    true,
			MaxWaiters: 256,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
