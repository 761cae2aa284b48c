package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/cognigate/kernel/internal/api"
	"github.com/cognigate/kernel/internal/cache"
	"github.com/cognigate/kernel/internal/config"
	"github.com/cognigate/kernel/internal/events"
	"github.com/cognigate/kernel/internal/infra"
	"github.com/cognigate/kernel/internal/kernel"
	"github.com/cognigate/kernel/internal/keys"
	"github.com/cognigate/kernel/internal/ledger"
	"github.com/cognigate/kernel/internal/metrics"
	"github.com/cognigate/kernel/internal/trust"
)

func main() {
	// Local development loads .env; in production the environment is real
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Loading %s: %v", cfgPath, err)
		}
		log.Printf("No config file at %s, running on defaults", cfgPath)
		cfg = &config.Config{}
	}

	kcfg, err := cfg.KernelConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx := context.Background()

	signer, err := buildSigner(cfg.Keys)
	if err != nil {
		log.Fatalf("Signing keys: %v", err)
	}

	store, err := buildStore(ctx, cfg.Ledger)
	if err != nil {
		log.Fatalf("Ledger store: %v", err)
	}

	chain, err := ledger.NewChain(ctx, store, signer)
	if err != nil {
		log.Fatalf("Audit chain: %v", err)
	}

	bus, emitter, closeBus := buildBus(cfg.Events)
	defer closeBus()

	k, err := kernel.New(kcfg, chain, emitter, metrics.New())
	if err != nil {
		log.Fatalf("Kernel: %v", err)
	}

	startSnapshotCache(ctx, cfg.Redis, bus)
	startDecay(cfg.Trust.Decay, k)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	if port == "" {
		port = "8080"
	}

	server := api.NewServer(k, bus)
	if err := server.Start(port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildSigner selects the key storage backend.
func buildSigner(cfg config.KeysConfig) (*keys.Manager, error) {
	identity := cfg.Identity
	if identity == "" {
		identity = "ledger-primary"
	}

	switch cfg.Backend {
	case "", "memory":
		return keys.NewManager(identity, keys.NewMemoryStore())
	case "env":
		prefix := cfg.EnvPrefix
		if prefix == "" {
			prefix = "KERNEL_SIGNING_SEED"
		}
		return keys.NewManager(identity, keys.NewEnvStore(prefix))
	case "file":
		if cfg.FilePath == "" || cfg.Passphrase == "" {
			return nil, fmt.Errorf("file key backend needs file_path and passphrase")
		}
		store, err := keys.NewFileStore(cfg.FilePath, []byte(cfg.Passphrase))
		if err != nil {
			return nil, err
		}
		return keys.NewManager(identity, store)
	case "module":
		// In-process module; a hardware deployment swaps in its own
		// SecureModule implementation here
		log.Println("Keys: software secure module (keys do not survive restarts)")
		return keys.NewManager(identity, keys.NewModuleStore(keys.NewSoftModule()))
	default:
		return nil, fmt.Errorf("unknown keys backend %q", cfg.Backend)
	}
}

// buildStore selects the proof-event store backend.
func buildStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		log.Println("Ledger: in-memory store (events do not survive restarts)")
		return ledger.NewMemoryStore(), nil
	case "postgres":
		return ledger.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "spanner":
		parts := strings.Split(cfg.SpannerDB, "/")
		if len(parts) != 3 {
			return nil, fmt.Errorf("spanner_db must be project/instance/database, got %q", cfg.SpannerDB)
		}
		return ledger.NewSpannerStore(ctx, parts[0], parts[1], parts[2])
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// buildBus returns the stream bus for the API, the emitter for the
// kernel, and a close function. With a Pub/Sub project configured the
// emitter also publishes durably.
func buildBus(cfg config.EventsConfig) (*events.Bus, events.Emitter, func()) {
	if cfg.PubSubProject != "" {
		topic := cfg.PubSubTopic
		if topic == "" {
			topic = "kernel-decisions"
		}
		pb, err := events.NewPubSubBus(cfg.PubSubProject, topic)
		if err != nil {
			log.Printf("Pub/Sub unavailable (%v), falling back to in-memory bus", err)
		} else {
			return pb.Bus, pb, func() { pb.Close() }
		}
	}
	bus := events.NewBus()
	return bus, bus, func() {}
}

// startSnapshotCache attaches a Redis-backed snapshot cache that is
// invalidated on every recomputation event.
func startSnapshotCache(ctx context.Context, cfg config.RedisConfig, bus *events.Bus) {
	if !cfg.Enabled {
		return
	}

	var client cache.Client
	var pubsub cache.PubSubClient
	adapter, err := infra.NewGoRedisAdapter(cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		log.Printf("Redis unavailable (%v), using in-memory cache", err)
		client = cache.NewMemoryClient()
	} else {
		client = adapter
		pubsub = adapter
	}

	snapshots, err := cache.NewSnapshotCache(ctx, client, pubsub, cfg.CacheTTL.Std())
	if err != nil {
		log.Printf("Snapshot cache disabled: %v", err)
		return
	}

	ch := bus.Subscribe(events.TypeScoreRecomputed)
	go func() {
		for event := range ch {
			// Every new profile version invalidates fleet-wide, then the
			// fresh snapshot is cached for read-heavy consumers.
			if err := snapshots.Invalidate(ctx, event.AgentID); err != nil {
				continue
			}
			snap := cache.Snapshot{AgentID: event.AgentID}
			if v, ok := event.Data["kernel_score"].(float64); ok {
				snap.KernelScore = v
			}
			if v, ok := event.Data["band"].(string); ok {
				snap.Band = v
			}
			if v, ok := event.Data["version"].(int64); ok {
				snap.Version = v
			}
			snapshots.Put(ctx, snap)
		}
	}()
}

// startDecay runs the background trust decay sweeper. Decay evidence
// goes through SubmitEvidence so each decayed profile is recomputed,
// ceiling-clamped, band-evaluated, and audited under the agent's lock
// like any other evidence.
func startDecay(cfg config.DecayConfig, k *kernel.Kernel) {
	if !cfg.Enabled {
		return
	}

	decayCfg := trust.DefaultDecayConfig()
	if cfg.Interval > 0 {
		decayCfg.Interval = cfg.Interval.Std()
	}
	if cfg.InactivityThreshold > 0 {
		decayCfg.InactivityThreshold = cfg.InactivityThreshold.Std()
	}

	trust.NewDecaySweeper(k.Profiles(), func(ctx context.Context, agentID string, evidence []trust.Evidence) error {
		_, _, err := k.SubmitEvidence(ctx, agentID, evidence)
		return err
	}, decayCfg)
}
