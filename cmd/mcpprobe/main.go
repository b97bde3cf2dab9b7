// mcpprobe inspects MCP servers and prints their capability surface.
//
// The binary launches each server as a subprocess, runs the initialize
// handshake, lists its tools, resources, and prompts, and prints a summary
// or the full snapshot as JSON.
//
// Environment variables (see pkg/config): MCPPOOL_LOG_LEVEL,
// MCPPOOL_REQUEST_TIMEOUT, and the rest of the MCPPOOL_* family.
//
// Flags:
//
//	-servers  Path to an mcpServers JSON file
//	-command  Launch a single ad-hoc server instead (command line, space separated)
//	-name     Name for the ad-hoc server (default "adhoc")
//	-json     Print full snapshots as JSON instead of a summary
//	-timeout  Overall deadline for the whole run (default 60s)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/meridianhq/mcppool/pkg/config"
	"github.com/meridianhq/mcppool/pkg/inspect"
	"github.com/meridianhq/mcppool/pkg/mcp"
)

func main() {
	serversFlag := flag.String("servers", "", "Path to an mcpServers JSON file")
	commandFlag := flag.String("command", "", "Ad-hoc server command line (space separated)")
	nameFlag := flag.String("name", "adhoc", "Name for the ad-hoc server")
	jsonFlag := flag.Bool("json", false, "Print full snapshots as JSON")
	timeoutFlag := flag.Duration("timeout", 60*time.Second, "Overall deadline for the run")
	flag.Parse()

	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: settings.SlogLevel(),
	}))
	slog.SetDefault(logger)

	descs, err := resolveServers(*serversFlag, *commandFlag, *nameFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeoutFlag)
	defer cancelTimeout()

	inspector := inspect.New(
		inspect.WithLogger(logger),
		inspect.WithClientOptions(mcp.WithRequestTimeout(settings.RequestTimeout)),
	)
	defer inspector.DisconnectAll()

	snapshots := inspector.InspectMany(ctx, descs, true)

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshots); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	names := make([]string, 0, len(snapshots))
	for name := range snapshots {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		snap := snapshots[name]
		if snap.Error != "" {
			failed++
			fmt.Printf("%-20s ERROR  %s\n", name, snap.Error)
			continue
		}
		tools, resources, prompts := snap.Counts()
		fmt.Printf("%-20s ok     %d tools, %d resources, %d prompts (~%d tokens)\n",
			name, tools, resources, prompts, snap.TokenEstimate)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// resolveServers builds the descriptor list from either a servers file or an
// ad-hoc command line.
func resolveServers(serversPath, command, name string) ([]mcp.ServerDescriptor, error) {
	switch {
	case serversPath != "" && command != "":
		return nil, fmt.Errorf("use -servers or -command, not both")
	case serversPath != "":
		return config.LoadServers(serversPath)
	case command != "":
		parts := strings.Fields(command)
		return []mcp.ServerDescriptor{{
			Name:    name,
			Command: parts[0],
			Args:    parts[1:],
		}}, nil
	default:
		return nil, fmt.Errorf("no servers given (use -servers or -command)")
	}
}
