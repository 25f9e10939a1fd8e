// Package broker wires the Event Log, Coordinated Authenticator, Session
// Validator, Speed-Layer Dispatcher, Expert Registry, Elicitation Manager,
// and Project Projection into the single broker instance described by
// spec.md §6, and exposes its external interface as plain Go methods.
// Wire format (HTTP/WS, CLI, etc.) is a concern of pkg/api, not this
// package.
package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
	"github.com/tachyon-beep/lighthouse/pkg/elicitation"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/experts"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
	"github.com/tachyon-beep/lighthouse/pkg/projection"
	"github.com/tachyon-beep/lighthouse/pkg/session"
	"github.com/tachyon-beep/lighthouse/pkg/speedlayer"
)

// Config enumerates the options spec.md §6 lists under "Configuration".
type Config struct {
	DataDir                    string
	NodeID                     string
	BrokerSecret               []byte
	MaxEventSize               int
	SegmentSize                int64
	MemoryCacheSize            int
	PolicyRulesPath            string
	ExpertTimeout              time.Duration
	ElicitationDefaultTimeout  time.Duration
	ElicitationMaxTimeout      time.Duration
	RateLimitPerSecond         float64
	RateLimitBurst             int
	SessionIdleTimeout         time.Duration
	TokenTTL                   time.Duration
	SubscriptionBufferSize     int
	LivenessSweepInterval      time.Duration
	SessionGCInterval          time.Duration
}

func DefaultConfig() Config {
	return Config{
		NodeID:                    "lighthouse-1",
		MaxEventSize:              1 << 20,
		SegmentSize:               100 << 20,
		MemoryCacheSize:           10_000,
		ExpertTimeout:             30 * time.Second,
		ElicitationDefaultTimeout: 30 * time.Second,
		ElicitationMaxTimeout:     300 * time.Second,
		RateLimitPerSecond:        10,
		RateLimitBurst:            30,
		SessionIdleTimeout:        2 * time.Hour,
		TokenTTL:                  24 * time.Hour,
		SubscriptionBufferSize:    1000,
		LivenessSweepInterval:     5 * time.Second,
		SessionGCInterval:         time.Minute,
	}
}

// systemAgentID is the identity internal subsystems use for their own
// Query/Subscribe calls against the log (projection's replay-then-tail,
// elicitation's restart rebuild). Bootstrapped once in New with
// authn.RoleSystemAgent, which carries EVENTS_QUERY.
const systemAgentID = "system"

// systemAgentTTL outlives any broker process; the system identity is
// re-bootstrapped fresh on every New anyway, so this only needs to cover a
// single process lifetime.
const systemAgentTTL = 100 * 365 * 24 * time.Hour

// authzAdapter lets pkg/eventlog check permissions via pkg/authn without
// either package importing the other: eventlog.Authorizer takes a string
// permission, authn.Authenticator.Authorize takes the typed
// authn.Permission. This is the one place that bridges them.
type authzAdapter struct{ auth *authn.Authenticator }

func (a authzAdapter) Authorize(agentID, permission string) error {
	return a.auth.Authorize(agentID, authn.Permission(permission))
}

// Broker holds one instance of every subsystem and is the sole owner of
// their lifecycle (Run/Stop). Grounded on teacher pkg/api/server.go's "one
// struct holds every service, wired once at startup" shape.
type Broker struct {
	cfg Config

	Auth        *authn.Authenticator
	Log         *eventlog.Log
	Sessions    *session.Manager
	Speed       *speedlayer.Dispatcher
	Experts     *experts.Registry
	Elicitation *elicitation.Manager
	Projection  *projection.Projector
	Snapshots   *projection.SnapshotStore

	cancel context.CancelFunc
}

// New constructs and wires every subsystem but does not start any
// background loops — call Run for that. It replays the log's ELICITATION_*
// history into the elicitation manager before returning (spec.md §4.6
// "rebuild on restart"), so Elicitation already reflects prior state even
// before Run starts its command loop.
func New(cfg Config) (*Broker, error) {
	if len(cfg.BrokerSecret) == 0 {
		return nil, lherr.New(lherr.KindInvalidPayload, "broker_secret is required")
	}

	auth := authn.New(cfg.BrokerSecret)
	if _, err := auth.Bootstrap(systemAgentID, authn.RoleSystemAgent, systemAgentTTL); err != nil {
		return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "broker: bootstrap system agent identity")
	}

	logLimits := eventlog.Limits{
		MaxEventSize:       cfg.MaxEventSize,
		MaxBatchEvents:     1000,
		MaxBatchBytes:      10 << 20,
		SegmentRollSize:    cfg.SegmentSize,
		SubscriptionBuffer: cfg.SubscriptionBufferSize,
	}
	log, err := eventlog.Open(cfg.DataDir, cfg.NodeID, cfg.BrokerSecret, logLimits, authzAdapter{auth})
	if err != nil {
		return nil, lherr.Wrap(lherr.KindTransient, err, "broker: open event log")
	}
	auth.SetEventSink(log)

	sessions := session.New(cfg.BrokerSecret, cfg.SessionIdleTimeout, auth, log)

	expertsCfg := experts.DefaultConfig()
	expertsCfg.DelegationTimeout = cfg.ExpertTimeout
	expertRegistry := experts.New(cfg.BrokerSecret, auth, log, expertsCfg)

	speedCfg := speedlayer.DefaultConfig()
	speedCfg.CacheCapacity = cfg.MemoryCacheSize
	speedCfg.RateLimitPerS = cfg.RateLimitPerSecond
	speedCfg.RateLimitBurst = cfg.RateLimitBurst
	dispatcher := speedlayer.New(speedCfg, expertRegistry, log)
	if cfg.PolicyRulesPath != "" {
		if err := dispatcher.LoadPolicyFile(cfg.PolicyRulesPath); err != nil {
			log.Close()
			return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "broker: load policy rules")
		}
	}

	elicitationCfg := elicitation.DefaultConfig()
	elicitationCfg.DefaultTimeout = cfg.ElicitationDefaultTimeout
	elicitationCfg.MaxTimeout = cfg.ElicitationMaxTimeout
	elicitationMgr := elicitation.New(cfg.BrokerSecret, auth, log, elicitationCfg)

	var snapshots *projection.SnapshotStore
	if cfg.DataDir != "" {
		snapshots, err = projection.OpenSnapshotStore(filepath.Join(cfg.DataDir, "snapshots.db"))
		if err != nil {
			log.Close()
			return nil, lherr.Wrap(lherr.KindTransient, err, "broker: open snapshot store")
		}
	}
	projCfg := projection.DefaultConfig()
	projCfg.AgentID = systemAgentID
	proj := projection.New(log, snapshots, projCfg)

	elicitationEvents, err := log.Query(systemAgentID, eventlog.Filter{Kinds: []eventlog.Kind{
		eventlog.KindElicitationCreated,
		eventlog.KindElicitationDelivered,
		eventlog.KindElicitationResponded,
		eventlog.KindElicitationExpired,
		eventlog.KindElicitationCancelled,
		eventlog.KindElicitationRejected,
	}})
	if err != nil {
		log.Close()
		return nil, lherr.Wrap(lherr.KindTransient, err, "broker: query elicitation history for rebuild")
	}
	rebuildEvents := make([]eventlog.Event, len(elicitationEvents))
	for i, e := range elicitationEvents {
		rebuildEvents[i] = *e
	}
	if err := elicitationMgr.Rebuild(rebuildEvents); err != nil {
		log.Close()
		return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "broker: rebuild elicitation state")
	}

	return &Broker{
		cfg:         cfg,
		Auth:        auth,
		Log:         log,
		Sessions:    sessions,
		Speed:       dispatcher,
		Experts:     expertRegistry,
		Elicitation: elicitationMgr,
		Projection:  proj,
		Snapshots:   snapshots,
	}, nil
}

// Run starts every subsystem's background loop: the elicitation manager's
// command loop, the expert registry's liveness sweep, the session
// manager's idle GC, and the projection's replay-then-tail. It returns
// once the projection's initial replay completes; everything else keeps
// running in the background until ctx is cancelled or Shutdown is called.
func (b *Broker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	go b.Elicitation.Run()
	go b.Experts.RunLivenessSweep(b.cfg.LivenessSweepInterval)
	go b.Sessions.RunGC(runCtx, b.cfg.SessionGCInterval)

	if err := b.Projection.Run(runCtx); err != nil {
		cancel()
		return err
	}
	return nil
}

// Shutdown stops every subsystem's background loop and closes the event
// log and snapshot store. Safe to call even if Run was never called.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.Elicitation.Stop()
	b.Experts.Stop()
	b.Projection.Stop()

	var errs []error
	if b.Snapshots != nil {
		if err := b.Snapshots.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.Log.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("broker: shutdown: %v", errs)
}

// Collectors aggregates every subsystem's Prometheus collectors for a
// single metrics registration at startup.
func (b *Broker) Collectors() []prometheus.Collector {
	var out []prometheus.Collector
	out = append(out, b.Log.Collectors()...)
	out = append(out, b.Speed.Collectors()...)
	out = append(out, b.Experts.Collectors()...)
	return out
}
