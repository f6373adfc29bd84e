// Command roomctl is an offline administrative tool for inspecting and
// repairing one room's SQLite database directly, without going through a
// running coordinator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"roomcoordinator/server/internal/store"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	subcmd, dbPath := os.Args[1], os.Args[2]
	args := os.Args[3:]

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch subcmd {
	case "status":
		cmdStatus(st)
	case "channels":
		cmdChannels(st)
	case "export":
		cmdExport(st)
	case "destruction-cancel":
		cmdDestructionCancel(st)
	default:
		usage()
		os.Exit(1)
	}
	_ = args
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: roomctl <status|channels|export|destruction-cancel> <db-path>")
}

func cmdStatus(st *store.Store) {
	ctx := context.Background()
	name, _, _ := st.GetMetadata(ctx, "name")
	note, _, _ := st.GetMetadata(ctx, "note")
	channels, err := st.ListChannels(ctx, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	floor, _ := st.MaxTimestamp(ctx)
	fmt.Printf("Name: %s\n", name)
	fmt.Printf("Note: %s\n", note)
	fmt.Printf("Channels: %d\n", len(channels))
	fmt.Printf("Latest timestamp: %d\n", floor)
}

func cmdChannels(st *store.Store) {
	channels, err := st.ListChannels(context.Background(), 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(channels) == 0 {
		fmt.Println("No channels found.")
		return
	}
	for _, c := range channels {
		fmt.Printf("  %-20s %6d messages  last used %d\n", c.Channel, c.MessageCount, c.LastUsed)
	}
}

func cmdExport(st *store.Store) {
	info, messages, err := st.ExportAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(map[string]any{"roomInfo": info, "messages": messages}, "", "  ")
	fmt.Println(string(out))
}

func cmdDestructionCancel(st *store.Store) {
	if err := st.DeleteMetadata(context.Background(), "destruction-time"); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Pending destruction cleared. Restart the coordinator process for this room to pick up the change.")
}
