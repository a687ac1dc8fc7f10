// Package abr implements the client-side adaptive bitrate selector (C11):
// a pure scoring function over network stats and a master playlist AST,
// plus a ticker-driven loop that re-evaluates at a configurable cadence.
//
// A fixed-cadence time.Ticker replaces the teacher's cron-based scheduler
// deliberately: ABR reselection has no calendar semantics, so cron syntax
// buys nothing here (see DESIGN.md).
package abr

import (
	"context"
	"log/slog"
	"time"

	"github.com/oinkognito/wavy/internal/netdiag"
	"github.com/oinkognito/wavy/internal/playlist"
)

// lossFailureThreshold and the non-positive-latency check implement the
// selector's fallback-to-lowest-bitrate policy.
const lossFailureThreshold = 50.0

// Select chooses the variant maximizing score(v), falling back to the
// lowest-bitrate variant when the network diagnosis itself failed or the
// measured loss is severe.
func Select(stats netdiag.Result, variants []playlist.Variant) playlist.Variant {
	if len(variants) == 0 {
		return playlist.Variant{}
	}

	if stats.LossPercent >= lossFailureThreshold || stats.LatencyMs <= 0 {
		return lowestBitrate(variants)
	}

	best := variants[0]
	bestScore := score(stats, best)
	for _, v := range variants[1:] {
		s := score(stats, v)
		if s > bestScore || (s == bestScore && v.Bitrate > best.Bitrate) {
			best = v
			bestScore = s
		}
	}
	return best
}

// score implements score(v) = v.bitrate / (1 + latency_ms/50) * (1 -
// loss_percent/100) * (1 - min(1, jitter_ms/100)).
func score(stats netdiag.Result, v playlist.Variant) float64 {
	latencyFactor := 1 + stats.LatencyMs/50
	lossFactor := 1 - stats.LossPercent/100
	jitterFactor := 1 - min1(stats.JitterMs/100)
	return float64(v.Bitrate) / latencyFactor * lossFactor * jitterFactor
}

func min1(x float64) float64 {
	if x > 1 {
		return 1
	}
	return x
}

func lowestBitrate(variants []playlist.Variant) playlist.Variant {
	lowest := variants[0]
	for _, v := range variants[1:] {
		if v.Bitrate < lowest.Bitrate {
			lowest = v
		}
	}
	return lowest
}

// Probe measures network stats against a target, used by the Loop so
// callers can swap in a fake for tests.
type Probe func() netdiag.Result

// Loop runs Select at the given cadence until ctx is cancelled, invoking
// onSelect whenever the chosen variant's bitrate differs from the previous
// selection ("A new selection that differs from the current is logged").
func Loop(ctx context.Context, logger *slog.Logger, cadence time.Duration, probe Probe, variants []playlist.Variant, onSelect func(playlist.Variant)) {
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	var current playlist.Variant
	haveCurrent := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := probe()
			chosen := Select(stats, variants)
			if !haveCurrent || chosen.Bitrate != current.Bitrate {
				logger.Info("abr selection changed",
					slog.Int("bitrate", chosen.Bitrate),
					slog.Float64("latency_ms", stats.LatencyMs),
					slog.Float64("jitter_ms", stats.JitterMs),
					slog.Float64("loss_percent", stats.LossPercent),
				)
				current = chosen
				haveCurrent = true
				onSelect(chosen)
			}
		}
	}
}
