package trust

import (
	"context"
	"log"
	"sync"
	"time"
)

// DecayConfig controls the background decay sweeper.
type DecayConfig struct {
	// Interval between decay sweeps
	Interval time.Duration

	// InactivityThreshold: agents with no new profile version for longer
	// than this are decayed
	InactivityThreshold time.Duration

	// DecayImpact: negative evidence impact applied to every dimension
	// per sweep (e.g. -1.0 = one point per dimension)
	DecayImpact float64

	// FloorScore: dimensions are not decayed below this value
	FloorScore float64
}

// DefaultDecayConfig returns sensible defaults for the decay sweeper.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Interval:            1 * time.Hour,
		InactivityThreshold: 7 * 24 * time.Hour, // 1 week
		DecayImpact:         -1.0,
		FloorScore:          10,
	}
}

// ProfileLister provides the profile snapshots the sweeper scans.
type ProfileLister interface {
	List() []*Profile
}

// ApplyFunc applies decay evidence to one agent. The implementation owns
// serialization: decay evidence goes through the same single-writer path
// as any other evidence, so a concurrent recomputation is never lost.
type ApplyFunc func(ctx context.Context, agentID string, evidence []Evidence) error

// DecaySweeper periodically erodes the trust of inactive agents so stale
// high-trust profiles do not persist indefinitely. The sweeper only
// decides who decays and by how much; applying the evidence is delegated
// so each decayed profile gets the full recomputation treatment
// (ceilings, band evaluation, audit) under the agent's lock.
type DecaySweeper struct {
	mu       sync.Mutex
	profiles ProfileLister
	apply    ApplyFunc
	config   DecayConfig
	stopCh   chan struct{}
	logger   *log.Logger
}

// NewDecaySweeper creates and starts a decay sweeper.
func NewDecaySweeper(profiles ProfileLister, apply ApplyFunc, cfg DecayConfig) *DecaySweeper {
	ds := &DecaySweeper{
		profiles: profiles,
		apply:    apply,
		config:   cfg,
		stopCh:   make(chan struct{}),
		logger:   log.New(log.Writer(), "[DECAY-SWEEP] ", log.LstdFlags),
	}

	go ds.run()
	return ds
}

// Stop gracefully stops the sweeper.
func (ds *DecaySweeper) Stop() {
	close(ds.stopCh)
}

func (ds *DecaySweeper) run() {
	ticker := time.NewTicker(ds.config.Interval)
	defer ticker.Stop()

	ds.logger.Printf("Started trust decay sweeper (interval=%s, impact=%.2f, inactivity=%s)",
		ds.config.Interval, ds.config.DecayImpact, ds.config.InactivityThreshold)

	for {
		select {
		case <-ticker.C:
			ds.Sweep(context.Background())
		case <-ds.stopCh:
			ds.logger.Println("Decay sweeper stopped")
			return
		}
	}
}

// Sweep applies one round of decay to every inactive agent. Exported so
// tests and admin tooling can force a sweep without waiting for a tick.
func (ds *DecaySweeper) Sweep(ctx context.Context) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := time.Now()
	decayed := 0

	for _, profile := range ds.profiles.List() {
		if now.Sub(profile.ComputedAt) < ds.config.InactivityThreshold {
			continue
		}

		evidence := ds.decayEvidence(profile, now)
		if len(evidence) == 0 {
			continue
		}

		if err := ds.apply(ctx, profile.AgentID, evidence); err != nil {
			ds.logger.Printf("Decay failed for %s: %v", profile.AgentID, err)
			continue
		}
		decayed++
	}

	if decayed > 0 {
		ds.logger.Printf("Decay sweep complete: %d agent(s) decayed", decayed)
	}
	return decayed
}

// decayEvidence builds floor-aware evidence for one agent. Dimensions
// already at or below the floor are left alone.
func (ds *DecaySweeper) decayEvidence(profile *Profile, now time.Time) []Evidence {
	var out []Evidence
	for _, dim := range AllDimensions {
		current := profile.Dimensions[dim]
		if current <= ds.config.FloorScore {
			continue
		}
		impact := ds.config.DecayImpact
		if current+impact < ds.config.FloorScore {
			impact = ds.config.FloorScore - current
		}
		out = append(out, Evidence{
			Dimension: dim,
			Impact:    impact,
			Source:    "decay-sweeper",
			Timestamp: now,
		})
	}
	return out
}
