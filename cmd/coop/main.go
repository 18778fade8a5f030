// Command coop wraps a long-running interactive CLI agent in a PTY and
// exposes its running session over HTTP, WebSocket, gRPC, and a Unix
// domain socket.
//
// Grounded on cmd/wt/main.go's cobra root-command + flag-binding idiom,
// generalized from wingthing's task-submission CLI to coop's single
// long-running "wrap this command" invocation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coopdev/coop/internal/attach"
	"github.com/coopdev/coop/internal/logger"
	"github.com/coopdev/coop/internal/orchestrator"
	"github.com/coopdev/coop/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host            string
		port            int
		socket          string
		portGRPC        int
		portHealth      int
		cols, rows      int
		ringSize        int
		authToken       string
		agentConfig     string
		resume          string
		logLevel        string
		logFormat       string
		nudgeTimeout    time.Duration
		idleTimeout     time.Duration
		inputDelay      time.Duration
		drainTimeout    time.Duration
		shutdownTimeout time.Duration
		groom           string
		attach          string
		auditLog        string
	)

	root := &cobra.Command{
		Use:   "coop -- <agent-command> [args...]",
		Short: "wrap an interactive CLI agent in a supervised PTY session",
		Long: "coop spawns the given command behind a pseudo-terminal, classifies its\n" +
			"state by fusing hook IPC, transcript, process, and screen signals, and\n" +
			"exposes the running session over HTTP, WebSocket, gRPC, and a Unix socket.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("no agent command given; usage: coop [flags] -- <agent-command> [args...]")
			}
			if logFormat != "text" && logFormat != "json" {
				return fmt.Errorf("--log-format must be text or json, got %q", logFormat)
			}
			if err := logger.Init(logLevel, "", logFormat); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			var groomLevel store.GroomLevel
			switch strings.ToLower(groom) {
			case "", "manual":
				groomLevel = store.GroomManual
			case "pristine":
				groomLevel = store.GroomPristine
			default:
				return fmt.Errorf("--groom must be manual or pristine, got %q", groom)
			}

			cfg := orchestrator.Config{
				Host:            host,
				Port:            port,
				Socket:          socket,
				PortGRPC:        portGRPC,
				PortHealth:      portHealth,
				Cols:            cols,
				Rows:            rows,
				RingSize:        ringSize,
				AuthToken:       authToken,
				AgentConfig:     agentConfig,
				Resume:          resume,
				NudgeTimeout:    nudgeTimeout,
				InputDelay:      inputDelay,
				DrainTimeout:    drainTimeout,
				ShutdownTimeout: shutdownTimeout,
				IdleTimeout:     idleTimeout,
				Groom:           groomLevel,
				AttachTmux:      attach,
				AuditLogPath:    auditLog,
				Command:         args[0],
				Args:            args[1:],
				Dir:             "",
				Env:             os.Environ(),
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			code, err := orchestrator.Run(ctx, cfg)
			if err != nil {
				slog.Error("coop exited with error", "error", err)
			}
			exitCode = code
			return err
		},
	}

	flags := root.Flags()
	flags.StringVar(&host, "host", "127.0.0.1", "HTTP/WS bind host")
	flags.IntVar(&port, "port", 7670, "HTTP/WS bind port")
	flags.StringVar(&socket, "socket", "", "additional Unix domain socket path")
	flags.IntVar(&portGRPC, "port-grpc", 0, "gRPC port (0 disables)")
	flags.IntVar(&portHealth, "port-health", 0, "standalone unauthenticated health port (0 disables)")
	flags.IntVar(&cols, "cols", 80, "initial terminal columns")
	flags.IntVar(&rows, "rows", 24, "initial terminal rows")
	flags.IntVar(&ringSize, "ring-size", 4<<20, "ring buffer capacity in bytes")
	flags.StringVar(&authToken, "auth-token", "", "bearer token required by HTTP/WS/gRPC transports")
	flags.StringVar(&agentConfig, "agent-config", "", "path to an agent-config YAML file, or a built-in profile name (claude|codex|cursor|gemini|generic)")
	flags.StringVar(&resume, "resume", "", "resume hint; skips re-tailing the existing transcript")
	flags.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	flags.StringVar(&logFormat, "log-format", "text", "text|json")
	flags.DurationVar(&nudgeTimeout, "nudge-timeout", 30*time.Second, "nudge response timeout")
	flags.DurationVar(&idleTimeout, "idle-timeout", 0, "shut down after this much continuous Idle time (0 disables)")
	flags.DurationVar(&inputDelay, "input-delay", 400*time.Millisecond, "input-gate debounce after a prompt transition")
	flags.DurationVar(&drainTimeout, "drain-timeout", 5*time.Second, "graceful-shutdown ESC-drain window before SIGHUP")
	flags.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "hard deadline before SIGKILL")
	flags.StringVar(&groom, "groom", "manual", "manual|pristine agent-config snapshot/restore policy")
	flags.StringVar(&attach, "attach", "", "tmux:SESSION to attach to an existing pane instead of spawning")
	flags.StringVar(&auditLog, "audit-log", "", "path to write a readable transcript of every input byte sent to the agent")

	root.AddCommand(newAttachCmd())

	if err := root.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode
}

var exitCode int

// newAttachCmd builds "coop attach", the terminal client half of spec.md
// §4.9: connect to a running coop session's WebSocket, enter raw mode, and
// proxy the local terminal until detach, exit, or exhausted reconnects.
func newAttachCmd() *cobra.Command {
	var (
		url           string
		token         string
		maxReconnects int
	)
	cmd := &cobra.Command{
		Use:           "attach",
		Short:         "attach to a running coop session over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer attach.RecoverTerminal()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			outcome, code, err := attach.Run(ctx, attach.Config{
				URL:           url,
				Token:         token,
				MaxReconnects: maxReconnects,
				Stdin:         os.Stdin,
				Stdout:        os.Stdout,
			})
			exitCode = code
			if err != nil {
				return err
			}
			switch outcome {
			case attach.Detached:
				fmt.Fprintln(os.Stderr, "detached")
			case attach.Disconnected:
				fmt.Fprintln(os.Stderr, "disconnected")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&url, "url", "ws://127.0.0.1:7670/ws", "coop session WebSocket URL")
	flags.StringVar(&token, "token", "", "bearer token, if the session requires auth")
	flags.IntVar(&maxReconnects, "max-reconnects", 10, "reconnect attempts before giving up (negative = unlimited)")
	return cmd
}
