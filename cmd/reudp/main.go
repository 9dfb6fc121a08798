// Reudp — CLI demo for the reliability layer.
//
// Runs a tiny chat over reliable UDP: every line typed on stdin is sent as
// a reliable message, received lines are printed with their sender, and
// protocol events (delivery failures, peer timeouts) are logged as they
// happen.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-mode, -bind, -server, -retry, -buffer).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/reudp"
	"github.com/1ureka/reudp/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	mode := flag.String("mode", "", "Mode: server or client")
	bind := flag.String("bind", "", "Local bind address (default :9000 server, :0 client)")
	server := flag.String("server", "", "Server address to connect to (client only)")
	retry := flag.Duration("retry", 500*time.Millisecond, "Retry interval for retransmission and heartbeats")
	buffer := flag.Int("buffer", 1024, "Maximum datagram size in bytes")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Reudp — v%s", version))
	pterm.Println()

	switch *mode {
	case "":
		// No -mode flag → interactive mode.
		runInteractive(ctx, *retry, *buffer)

	case "server":
		bindAddr := *bind
		if bindAddr == "" {
			bindAddr = ":9000"
		}
		runServer(ctx, bindAddr, *retry, *buffer)

	case "client":
		if *server == "" {
			util.LogError("missing -server for client mode")
			os.Exit(1)
		}
		remote, err := netip.ParseAddrPort(*server)
		if err != nil {
			util.LogError("invalid -server address %q: %v", *server, err)
			os.Exit(1)
		}
		bindAddr := *bind
		if bindAddr == "" {
			bindAddr = ":0"
		}
		runClient(ctx, bindAddr, remote, *retry, *buffer)

	default:
		util.LogError("invalid -mode: must be 'server' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -mode flag is
// provided.
func runInteractive(ctx context.Context, retry time.Duration, buffer int) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — Accept clients", "Client — Connect to a server"}).
		WithDefaultText("Select a mode").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Server") {
		bindAddr := askAddr("Bind address (e.g. :9000)", ":9000")
		runServer(ctx, bindAddr, retry, buffer)
	} else {
		remote := askAddrPort("Server address (e.g. 127.0.0.1:9000)")
		runClient(ctx, ":0", remote, retry, buffer)
	}
}

// runServer accepts clients and echoes chat lines reliably to all of them.
func runServer(ctx context.Context, bindAddr string, retry time.Duration, buffer int) {
	handle, err := reudp.New(bindAddr, reudp.Server(), retry, buffer)
	if err != nil {
		util.LogError("failed to start server: %v", err)
		os.Exit(1)
	}
	defer handle.Close()

	util.StartStatsReporter(ctx)
	util.LogInfo("server listening on %s — type to broadcast to all clients", handle.LocalAddr())

	chat(ctx, handle)
}

// runClient connects to the server and exchanges chat lines reliably.
func runClient(ctx context.Context, bindAddr string, remote netip.AddrPort, retry time.Duration, buffer int) {
	handle, err := reudp.New(bindAddr, reudp.Client(remote), retry, buffer)
	if err != nil {
		util.LogError("failed to start client: %v", err)
		os.Exit(1)
	}
	defer handle.Close()

	util.StartStatsReporter(ctx)
	util.LogInfo("client bound on %s — talking to %s", handle.LocalAddr(), remote)

	// Announce ourselves so the server creates our session.
	if err := handle.Send([]byte("hello"), true); err != nil {
		util.LogError("initial send failed: %v", err)
		os.Exit(1)
	}

	chat(ctx, handle)
}

// chat pumps stdin lines out as reliable messages and prints everything
// that arrives, until the context is cancelled.
func chat(ctx context.Context, handle *reudp.ReUDP) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			if err := handle.Send([]byte(line), true); err != nil {
				util.LogError("send failed: %v", err)
			}

		case ev := <-handle.Events():
			switch ev.Kind {
			case reudp.EventDeliveryFailed:
				util.LogWarning("message seq %d to %s was never acknowledged", ev.Seq, ev.Addr)
			case reudp.EventPeerTimedOut:
				util.LogWarning("peer %s timed out", ev.Addr)
			}

		case <-ticker.C:
			for {
				addr, payload, ok := handle.Recv()
				if !ok {
					break
				}
				ping := ""
				if rtt, measured := handle.Ping(addr); measured {
					ping = fmt.Sprintf(" (ping %s)", rtt.Round(time.Millisecond))
				}
				pterm.Println(fmt.Sprintf("[%s]%s %s", addr, ping, payload))
			}

		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askAddr prompts for a bind address, accepting the default on empty input.
func askAddr(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()

	raw = strings.TrimSpace(raw)
	pterm.Println()
	if raw == "" {
		return def
	}
	return raw
}

// askAddrPort prompts for a remote address until a valid one is entered.
func askAddrPort(prompt string) netip.AddrPort {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		addr, err := netip.ParseAddrPort(strings.TrimSpace(raw))
		if err == nil {
			pterm.Println()
			return addr
		}

		util.LogWarning("invalid address: expected host:port")
		pterm.Println()
	}
}
