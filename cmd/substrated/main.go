package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rookdaemon/substrate/internal/bus"
	"github.com/rookdaemon/substrate/internal/config"
	"github.com/rookdaemon/substrate/internal/envelope"
	"github.com/rookdaemon/substrate/internal/hostio"
	"github.com/rookdaemon/substrate/internal/httpapi"
	"github.com/rookdaemon/substrate/internal/loop"
	"github.com/rookdaemon/substrate/internal/relayclient"
	"github.com/rookdaemon/substrate/internal/roles"
	"github.com/rookdaemon/substrate/internal/session"
	"github.com/rookdaemon/substrate/internal/substrate"
)

func main() {
	root := &cobra.Command{
		Use:   "substrated",
		Short: "substrate agent shell daemon: loop orchestrator, substrate I/O, peer relay client",
		RunE:  run,
	}
	root.Flags().String("config", "", "path to config.json (default: $HOME/.config/substrate/config.json)")
	root.Flags().String("relay-url", "", "peer relay URL (ws:// or wss://); empty disables the peer relay client")
	root.Flags().String("relay-fingerprint", "", "this agent's SHA-256 public-key fingerprint, for the relay register frame")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		userDir, err := config.GetUserConfigDir()
		if err != nil {
			return fmt.Errorf("resolve user config dir: %w", err)
		}
		configPath = filepath.Join(userDir, "config.json")
	}

	mgr := config.NewManager()
	if err := mgr.Load(configPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	substrateDir := cfg.SubstratePath
	if substrateDir == "" {
		substrateDir = "./substrate"
	}

	fs := hostio.NewOSFileSystem()
	clock := hostio.SystemClock{}
	procRunner := hostio.NewOSProcessRunner()

	registry := substrate.Registry(substrateDir)
	if err := substrate.Init(fs, registry); err != nil {
		return fmt.Errorf("init substrate: %w", err)
	}
	if res := substrate.Validate(fs, registry); !res.Valid {
		log.Printf("substrated: substrate validation warnings: %v", res.Errors)
	}

	lock := substrate.NewFileLock()
	cache := substrate.NewReadCache()
	reader := substrate.NewReader(fs, lock, registry, cache)
	writer := substrate.NewWriter(fs, lock, registry, cache)
	appendW := substrate.NewAppendWriter(fs, clock, lock, registry, cache, int64(cfg.ProgressMaxBytes))
	conv := substrate.NewConversationManager(appendW, fs, lock, registry, cache, substrateDir, 500)
	agoraInbox := substrate.NewAgoraInbox(fs, lock, registry, cache)

	caps := roles.Capabilities()
	runners := loop.RunnerSet{
		Ego:          roles.NewRunner(caps[roles.Ego], reader, writer, appendW, conv),
		Subconscious: roles.NewRunner(caps[roles.Subconscious], reader, writer, appendW, conv),
		Superego:     roles.NewRunner(caps[roles.Superego], reader, writer, appendW, conv),
		Id:           roles.NewRunner(caps[roles.Id], reader, writer, appendW, conv),

		EgoAgent:          session.NewClaude(procRunner, modelContextWindow(cfg.TacticalModel)),
		SubconsciousAgent: session.NewClaude(procRunner, modelContextWindow(cfg.TacticalModel)),
		SuperegoAgent:     session.NewClaude(procRunner, modelContextWindow(cfg.StrategicModel)),
		IdAgent:           session.NewClaude(procRunner, modelContextWindow(cfg.TacticalModel)),
	}

	launcher := session.NewSessionLauncher(clock, time.Duration(cfg.ShutdownGraceMs)*time.Millisecond)
	metrics := loop.NewMetricsWriter(fs, clock, filepath.Join(substrateDir, ".metrics"))

	messageBus := bus.New()

	mode := loop.ModeCycle
	if cfg.Mode == "tick" {
		mode = loop.ModeTick
	}
	orchCfg := loop.Config{
		Mode:                  mode,
		CycleDelay:            time.Duration(cfg.CycleDelayMs) * time.Millisecond,
		SuperegoAuditInterval: cfg.SuperegoAuditInterval,
		ShutdownGrace:         time.Duration(cfg.ShutdownGraceMs) * time.Millisecond,
		StallThreshold:        time.Duration(cfg.Watchdog.StallThresholdMs) * time.Millisecond,
		CheckInterval:         time.Duration(cfg.Watchdog.CheckIntervalMs) * time.Millisecond,
		ForceRestartThreshold: time.Duration(cfg.Watchdog.ForceRestartThresholdMs) * time.Millisecond,
		IdleSleepEnabled:      cfg.IdleSleep.Enabled,
		IdleCyclesBeforeSleep: cfg.IdleSleep.IdleCyclesBeforeSleep,
		RoleTimeout:           5 * time.Minute,
	}
	planCheck := func() (bool, error) { return substrate.HasOpenTasks(reader) }

	orch := loop.NewOrchestrator(orchCfg, clock, launcher, runners, planCheck, messageBus, metrics, conv)

	messageBus.Register(bus.NewSessionInjectionProvider(orch))
	messageBus.Register(bus.NewConversationOnPauseProvider(conv, orch))

	peerInbound := bus.NewPeerInboundProvider()
	messageBus.Register(peerInbound)

	relayURL, _ := cmd.Flags().GetString("relay-url")
	fingerprint, _ := cmd.Flags().GetString("relay-fingerprint")
	var relayClient *relayclient.Client
	if relayURL != "" {
		relayClient = relayclient.NewClient(relayURL, fingerprint, noopKeyStore{})
		relayClient.OnInbound = func(env envelope.Envelope) {
			text := envelopePayloadText(env)
			if err := agoraInbox.AddUnread(substrate.InboxEntry{
				ID:        env.ID,
				From:      env.Sender,
				Timestamp: time.UnixMilli(env.Timestamp),
				Text:      text,
			}); err != nil {
				log.Printf("substrated: agora inbox add unread: %v", err)
			}
			peerInbound.Deliver(bus.Message{
				Type:   bus.TypeAgoraMessage,
				Source: peerInbound.ID(),
				Payload: map[string]any{
					"envelopeId": env.ID,
					"from":       env.Sender,
					"role":       env.Sender,
					"text":       text,
				},
			})
		}
		messageBus.Register(bus.NewPeerOutboundProvider(relayClient))
	}

	watchdog := loop.NewWatchdog(orch, clock, orchCfg.CheckInterval, orchCfg.StallThreshold, orchCfg.ForceRestartThreshold)

	watcher := substrate.NewWatcher(substrateDir)
	watcher.OnChange = func(path string) { orch.WakeUp() }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := messageBus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}

	if relayClient != nil {
		go func() {
			if err := relayClient.Run(ctx); err != nil {
				log.Printf("substrated: relay client stopped: %v", err)
			}
		}()
	}

	go watchdog.Run(ctx)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Printf("substrated: substrate watcher stopped: %v", err)
		}
	}()
	go runLoopSupervisor(ctx, orch)

	api := httpapi.NewServer(orch, cfg.APIToken)
	httpSrv := api.Server(fmt.Sprintf(":%d", cfg.Port))

	errCh := make(chan error, 1)
	go func() {
		log.Printf("substrated: control API listening on :%d", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	if cfg.AutoStartOnFirstRun {
		if err := orch.Start(); err != nil {
			log.Printf("substrated: auto-start failed: %v", err)
		}
	}

	log.Printf("substrated: started (substrate=%s, mode=%s)", substrateDir, cfg.Mode)

	select {
	case <-ctx.Done():
		log.Println("substrated: shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orchCfg.ShutdownGrace)
		defer cancel()
		orch.Shutdown(shutdownCtx)
		return httpSrv.Close()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("substrated: %w", err)
		}
	}
	return nil
}

// runLoopSupervisor keeps the orchestrator's cycle engine alive for the
// life of the process. Start()/Stop()/Resume() only flip the state
// machine (§4.5 ownership); Run drives the actual cycles and returns
// once stopCh closes, so whenever the loop transitions back to RUNNING
// after a Stop (a REST restart, or a delayed first Start), this
// relaunches Run to pick the cycling back up.
func runLoopSupervisor(ctx context.Context, orch *loop.Orchestrator) {
	for {
		if ctx.Err() != nil {
			return
		}
		if orch.State() != loop.Running {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("substrated: loop run exited: %v", err)
		}
	}
}

// envelopePayloadText extracts display text from an inbound envelope's
// opaque payload (§3 Envelope: "payload — opaque structured value"):
// either {"text": "..."} or a bare JSON string, falling back to the raw
// payload bytes for anything else.
func envelopePayloadText(env envelope.Envelope) string {
	if len(env.Payload) == 0 {
		return ""
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err == nil {
		return s
	}
	return string(env.Payload)
}

func modelContextWindow(model string) int {
	if model != "" {
		return 200000
	}
	return 200000
}

// noopKeyStore rejects every lookup, so the relay client treats every
// inbound envelope's sender as unknown and drops the envelope before
// OnInbound runs.
type noopKeyStore struct{}

func (noopKeyStore) Lookup(fingerprint string) (ed25519.PublicKey, bool) { return nil, false }
