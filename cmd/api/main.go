package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"numerusx/internal/cycle"
	"numerusx/internal/handlers"
	"numerusx/internal/ledger"
	"numerusx/internal/middleware"
	"numerusx/internal/routes"
	"numerusx/pkg/config"
)

// storedPairs reports each configured pair's last ledger entry. Loop state
// lives in the worker, so it is reported as unknown here.
type storedPairs struct {
	store ledger.Store
	pairs []string
}

func (s storedPairs) Snapshots() []cycle.Snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := make([]cycle.Snapshot, 0, len(s.pairs))
	for _, pair := range s.pairs {
		snap := cycle.Snapshot{Pair: pair, State: cycle.StateUnknown}
		entries, total, err := s.store.ListEntries(ctx, ledger.Filter{Pair: pair, PageSize: 1})
		if err != nil {
			log.WithFields(log.Fields{"pair": pair, "error": err.Error()}).Warn("Failed to read last entry")
		}
		if len(entries) > 0 {
			last := entries[0]
			snap.Cycles = total
			snap.LastCycleID = last.CycleID
			snap.LastEntryID = last.ID
			snap.LastStatus = last.Status
			snap.LastReason = last.Reason
			snap.LastRunAt = last.Timestamp
		}
		out = append(out, snap)
	}
	return out
}

func main() {
	settings, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load settings: ", err)
	}
	config.SetupLogging(settings.Log.Level)

	if err := config.InitDB(); err != nil {
		log.Fatal(err)
	}
	store := ledger.NewGormStore(config.DB)

	pairs := make([]string, 0, len(settings.Pairs))
	for _, p := range settings.Pairs {
		pairs = append(pairs, p.String())
	}

	h := &handlers.Handler{
		Ledger:    ledger.New(store),
		Portfolio: &ledger.Projector{Store: store, TTL: 5 * time.Second},
		Pairs:     storedPairs{store: store, pairs: pairs},
	}
	r := routes.SetupRouter(h, routes.Config{
		AllowedOrigins: settings.API.AllowedOrigins,
		RateLimit:      middleware.RateLimiterConfig{RequestsPerSecond: settings.API.RPS, Burst: settings.API.Burst},
	})

	if err := r.Run(":" + settings.API.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
