// Command coopmux discovers coop sessions' Unix sockets under a directory
// and polls each one's /api/v1/health, printing an aggregated table. The
// full multiplexer dashboard UI is out of this repo's core scope
// (spec.md §1); this is the minimal discovery+aggregation sliver the core
// depends on as an external collaborator.
//
// Grounded on cmd/wt/main.go's cobra root-command idiom and text/tabwriter
// usage for tabular CLI output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type healthResponse struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	UptimeSecs int64  `json:"uptime_secs"`
	Agent      string `json:"agent"`
	Terminal   struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	} `json:"terminal"`
	WSClients int64 `json:"ws_clients"`
	Ready     bool  `json:"ready"`
}

type sessionRow struct {
	socket string
	health *healthResponse
	err    error
}

func main() {
	os.Exit(run())
}

func run() int {
	var dir string
	var timeout time.Duration
	var watch bool
	var interval time.Duration

	root := &cobra.Command{
		Use:           "coopmux",
		Short:         "discover coop sessions and aggregate their health into one table",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sockets, err := discoverSockets(dir)
			if err != nil {
				return fmt.Errorf("discover sockets in %s: %w", dir, err)
			}
			if !watch {
				printTable(pollAll(sockets, timeout))
				return nil
			}
			for {
				fmt.Print("\033[H\033[2J") // clear screen between refreshes
				printTable(pollAll(sockets, timeout))
				time.Sleep(interval)
				sockets, err = discoverSockets(dir)
				if err != nil {
					return fmt.Errorf("discover sockets in %s: %w", dir, err)
				}
			}
		},
	}

	home, _ := os.UserHomeDir()
	defaultDir := filepath.Join(home, ".coop", "sessions")

	flags := root.Flags()
	flags.StringVar(&dir, "dir", defaultDir, "directory to scan for coop *.sock files")
	flags.DurationVar(&timeout, "timeout", 2*time.Second, "per-session health-check timeout")
	flags.BoolVar(&watch, "watch", false, "refresh the table on an interval instead of printing once")
	flags.DurationVar(&interval, "interval", 3*time.Second, "refresh interval when --watch is set")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// discoverSockets scans dir (non-recursively) for Unix socket files coop
// binds via --socket. Missing dir is not an error: a fresh install has no
// sessions yet.
func discoverSockets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sockets []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".sock") {
			sockets = append(sockets, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(sockets)
	return sockets, nil
}

// unixHealthClient builds an http.Client that dials the given Unix socket
// path regardless of the request URL's host, mirroring how the HTTP server
// in internal/httpapi binds the same router to a Unix listener.
func unixHealthClient(socketPath string, timeout time.Duration) *http.Client {
	dialer := net.Dialer{}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func pollAll(sockets []string, timeout time.Duration) []sessionRow {
	rows := make([]sessionRow, len(sockets))
	done := make(chan struct{}, len(sockets))
	for i, sock := range sockets {
		i, sock := i, sock
		go func() {
			rows[i] = pollOne(sock, timeout)
			done <- struct{}{}
		}()
	}
	for range sockets {
		<-done
	}
	return rows
}

func pollOne(socketPath string, timeout time.Duration) sessionRow {
	client := unixHealthClient(socketPath, timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/api/v1/health", nil)
	if err != nil {
		return sessionRow{socket: socketPath, err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return sessionRow{socket: socketPath, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sessionRow{socket: socketPath, err: fmt.Errorf("health returned %s", resp.Status)}
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return sessionRow{socket: socketPath, err: err}
	}
	return sessionRow{socket: socketPath, health: &h}
}

func printTable(rows []sessionRow) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOCKET\tSTATUS\tAGENT\tPID\tUPTIME\tSIZE\tCLIENTS\tREADY")
	for _, r := range rows {
		if r.err != nil {
			fmt.Fprintf(w, "%s\tunreachable\t-\t-\t-\t-\t-\t(%v)\n", filepath.Base(r.socket), r.err)
			continue
		}
		h := r.health
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%ds\t%dx%d\t%d\t%v\n",
			filepath.Base(r.socket), h.Status, h.Agent, h.PID, h.UptimeSecs,
			h.Terminal.Cols, h.Terminal.Rows, h.WSClients, h.Ready)
	}
	w.Flush()
	if len(rows) == 0 {
		fmt.Println("no coop sessions found")
	}
}
