// Package orchestrator wires the Store, a PTY backend, the composite
// detector, the session loop, and every transport (WS, HTTP, gRPC) into one
// running coop process, and owns the top-level signal/shutdown handling.
//
// Grounded on cmd/wtd/main.go's signal.NotifyContext + graceful httpSrv.Close
// shutdown pattern and internal/egg/server.go's RunSession top-level wiring
// (spawn backend, start detector goroutines, serve transports, wait for
// exit).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coopdev/coop/internal/audit"
	"github.com/coopdev/coop/internal/config"
	"github.com/coopdev/coop/internal/detect"
	"github.com/coopdev/coop/internal/groom"
	"github.com/coopdev/coop/internal/grpcapi"
	"github.com/coopdev/coop/internal/httpapi"
	"github.com/coopdev/coop/internal/optparse"
	"github.com/coopdev/coop/internal/ptybackend"
	"github.com/coopdev/coop/internal/session"
	"github.com/coopdev/coop/internal/store"
)

// Config bundles every CLI-supplied knob the orchestrator needs.
type Config struct {
	Host          string
	Port          int
	Socket        string
	PortGRPC      int
	PortHealth    int
	Cols, Rows    int
	RingSize      int
	AuthToken     string
	AgentConfig   string
	Resume        string
	NudgeTimeout  time.Duration
	InputDelay    time.Duration
	DrainTimeout  time.Duration
	ShutdownTimeout time.Duration
	IdleTimeout   time.Duration
	Groom         store.GroomLevel
	AttachTmux    string // "tmux:SESSION" target, empty for native spawn
	AuditLogPath  string

	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Run builds every component, serves every transport, runs the session loop
// to completion, and returns the process exit code.
func Run(ctx context.Context, cfg Config) (int, error) {
	agentName := cfg.Command
	st := store.New(agentName, cfg.RingSize, cfg.Cols, cfg.Rows)
	st.AuthToken = cfg.AuthToken
	st.NudgeTimeout = cfg.NudgeTimeout
	st.InputDelay = cfg.InputDelay
	st.Groom = cfg.Groom

	agentCfg, err := loadAgentConfig(cfg.AgentConfig)
	if err != nil {
		return 1, err
	}
	applyAgentConfig(st, agentCfg)

	if cfg.Groom == store.GroomPristine {
		snap := groom.Take(agentName)
		defer snap.Restore()
	}

	var auditLog *audit.Log
	if cfg.AuditLogPath != "" {
		auditLog, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			return 1, fmt.Errorf("audit log: %w", err)
		}
		defer auditLog.Close()
	}

	backend := buildBackend(cfg)

	detectors := buildDetectors(st, agentCfg, cfg.Resume)
	composite := detect.NewComposite(detectors, 64)

	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()

	httpSrv := httpapi.NewServer(st, cfg.Socket)
	errCh := make(chan error, 4)

	go func() {
		if err := httpSrv.ListenAndServeTCP(srvCtx, cfg.Host, cfg.Port); err != nil {
			slog.Error("http server stopped", "error", err)
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if cfg.Socket != "" {
		go func() {
			if err := httpSrv.ListenAndServeUnix(srvCtx); err != nil {
				slog.Error("unix socket server stopped", "error", err)
				errCh <- fmt.Errorf("unix socket: %w", err)
			}
		}()
	}
	if cfg.PortGRPC > 0 {
		go func() {
			if err := grpcapi.ListenAndServe(srvCtx, st, cfg.PortGRPC); err != nil {
				slog.Error("grpc server stopped", "error", err)
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	if cfg.PortHealth > 0 {
		go func() {
			if err := httpSrv.ListenAndServeHealthTCP(srvCtx, cfg.Host, cfg.PortHealth); err != nil {
				slog.Error("health server stopped", "error", err)
				errCh <- fmt.Errorf("health: %w", err)
			}
		}()
	}

	st.Ready.Store(true)

	sessionCfg := session.Config{
		Store:           st,
		Backend:         backend,
		Detector:        composite.Run,
		IdleTimeout:     cfg.IdleTimeout,
		DrainTimeout:    cfg.DrainTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if auditLog != nil {
		sessionCfg.AuditLog = auditLog
	}

	outcomeCh := make(chan session.Outcome, 1)
	go func() {
		outcomeCh <- session.Run(srvCtx, sessionCfg)
	}()

	select {
	case outcome := <-outcomeCh:
		cancelSrv()
		return exitCode(outcome), nil
	case err := <-errCh:
		cancelSrv()
		<-outcomeCh
		return 1, err
	case <-ctx.Done():
		st.RequestShutdown()
		outcome := <-outcomeCh
		cancelSrv()
		return exitCode(outcome), nil
	}
}

func exitCode(outcome session.Outcome) int {
	if !outcome.Exit {
		return 0
	}
	if outcome.Status.Signal != nil {
		return 137
	}
	if outcome.Status.Code != nil {
		return *outcome.Status.Code
	}
	return 0
}

func buildBackend(cfg Config) ptybackend.Backend {
	if cfg.AttachTmux != "" {
		return ptybackend.NewTmux(cfg.AttachTmux, uint16(cfg.Cols), uint16(cfg.Rows), 200*time.Millisecond)
	}
	return ptybackend.NewNative(ptybackend.Config{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     cfg.Dir,
		Env:     cfg.Env,
		Cols:    uint16(cfg.Cols),
		Rows:    uint16(cfg.Rows),
	})
}

func buildDetectors(st *store.Store, agentCfg *config.AgentConfig, resumeHint string) []detect.Detector {
	var detectors []detect.Detector

	if agentCfg.Detectors.HookPath != "" {
		hookRawTx := make(chan []byte, 64)
		go forwardToHookBroadcast(st, hookRawTx)
		detectors = append(detectors, detect.NewHookDetector(agentCfg.Detectors.HookPath, hookRawTx))
	}
	if agentCfg.Detectors.TranscriptPath != "" {
		detectors = append(detectors, detect.NewTranscriptDetector(agentCfg.Detectors.TranscriptPath, transcriptStartOffset(agentCfg.Detectors.TranscriptPath, resumeHint)))
	}
	detectors = append(detectors, detect.NewProcessDetector(
		func() int { return int(st.ChildPID.Load()) },
		st.Ring.TotalWritten,
		2*time.Second,
	))
	detectors = append(detectors, detect.NewScraperDetector(
		func() []string { return st.Screen.Snapshot().Lines },
		optparse.Parse,
		nil,
	))
	return detectors
}

// transcriptStartOffset implements spec.md §6's "the transcript-tailer
// detector needs a file path" --resume contract: a fresh invocation (no
// --resume hint) tails from the start of whatever log already exists at
// that path; a resumed invocation skips the prior session's lines and only
// observes what the child appends from here on.
func transcriptStartOffset(path, resumeHint string) int64 {
	if resumeHint == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func forwardToHookBroadcast(st *store.Store, rawTx <-chan []byte) {
	for line := range rawTx {
		st.Hook.Send(line)
	}
}

func loadAgentConfig(path string) (*config.AgentConfig, error) {
	m := config.NewManager()
	if err := m.Load(path); err != nil {
		return nil, err
	}
	return m.Get(), nil
}

func applyAgentConfig(st *store.Store, cfg *config.AgentConfig) {
	st.Stop.Mu.Lock()
	st.Stop.Mode = store.StopMode(cfg.Stop.StopModeValue())
	st.Stop.Prompt = cfg.Stop.Prompt
	st.Stop.Schema = cfg.Stop.Schema
	st.Stop.Mu.Unlock()

	st.Start.Mu.Lock()
	st.Start.Text = cfg.Start.Text
	st.Start.Shell = cfg.Start.Shell
	byEvent := make(map[string]store.StartOverride, len(cfg.Start.ByEvent))
	for k, v := range cfg.Start.ByEvent {
		byEvent[k] = store.StartOverride{Text: v.Text, Shell: v.Shell}
	}
	st.Start.ByEvent = byEvent
	st.Start.Mu.Unlock()
}
