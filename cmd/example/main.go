package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CVDpl/go-soplog/internal/common"
	"github.com/CVDpl/go-soplog/pkg/soplog"
	"github.com/CVDpl/go-soplog/pkg/soplog/monitoring"
	"github.com/CVDpl/go-soplog/pkg/soplog/sorted"
)

func main() {
	tempDir, err := os.MkdirTemp(".", "soplog-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nStore data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	reg := prometheus.NewRegistry()

	// Optional metrics and pprof: enable by setting SOPLOG_METRICS_ADDR (e.g., ":6060")
	if addr := os.Getenv("SOPLOG_METRICS_ADDR"); addr != "" {
		srv, err := monitoring.Start(addr, reg, nil)
		if err == nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = srv.Stop(ctx)
				cancel()
			}()
			fmt.Printf("metrics listening on %s\n", srv.Addr())
		} else {
			fmt.Printf("failed to start metrics server on %s: %v\n", addr, err)
		}
	}

	fmt.Printf("Soplog Example\n")
	fmt.Printf("==============\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	opts := soplog.DefaultOptions()
	opts.Name = "example"
	opts.MinMerge = 2
	opts.Registerer = reg
	opts.Logger = soplog.NewDefaultLoggerWithLevel(common.LogLevelWarn)

	fmt.Println("1. Opening store...")
	store, err := soplog.Open(tempDir, opts)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	fmt.Println("   ✓ Store opened successfully")

	fmt.Println("\n2. Buffering writes and flushing...")
	users := map[string]string{
		"user:alice": "admin",
		"user:bob":   "user",
		"user:carol": "moderator",
	}
	for k, v := range users {
		if err := store.Put([]byte(k), []byte(v)); err != nil {
			log.Fatalf("Failed to put %q: %v", k, err)
		}
	}
	future, err := store.Flush(sorted.Metadata{sorted.MetadataBucket: []byte("users")},
		soplog.FlushHandlerFunc(func(err error) {
			if err != nil {
				fmt.Printf("   ✗ flush failed: %v\n", err)
				return
			}
			fmt.Println("   ✓ flush handler notified")
		}))
	if err != nil {
		log.Fatalf("Failed to flush: %v", err)
	}
	if err := future.Wait(context.Background()); err != nil {
		log.Fatalf("Flush failed: %v", err)
	}

	fmt.Println("\n3. Writing a batch synchronously...")
	batch := []sorted.Entry{
		{Key: []byte("order:1001"), Value: []byte("pending")},
		{Key: []byte("order:1002"), Value: []byte("shipped")},
		{Key: []byte("user:bob"), Value: []byte("admin")},
	}
	if err := store.FlushBatch(batch, sorted.Metadata{sorted.MetadataBucket: []byte("orders")}); err != nil {
		log.Fatalf("Failed to flush batch: %v", err)
	}
	fmt.Println("   ✓ Batch written")

	fmt.Println("\n4. Deleting a key...")
	if err := store.Delete([]byte("user:carol")); err != nil {
		log.Fatalf("Failed to delete: %v", err)
	}

	fmt.Println("\n5. Reading...")
	for _, k := range []string{"user:bob", "user:carol", "order:1001"} {
		v, found, err := store.Read([]byte(k))
		switch {
		case err != nil:
			log.Printf("Warning: read %q: %v", k, err)
		case !found:
			fmt.Printf("   %s: <not found>\n", k)
		default:
			fmt.Printf("   %s = %s\n", k, v)
		}
	}

	fmt.Println("\n6. Scanning users in descending order...")
	it, err := store.Reader().WithAscending(false).Range([]byte("user:"), []byte("user;"))
	if err != nil {
		log.Fatalf("Failed to scan: %v", err)
	}
	for it.Next() {
		fmt.Printf("   %s = %s\n", it.Key(), it.Value())
	}
	if err := it.Err(); err != nil {
		log.Printf("Warning: Iterator error: %v", err)
	}
	it.Close()

	fmt.Println("\n7. Compacting...")
	compacted, err := store.Compactor().Compact(context.Background())
	if err != nil {
		log.Fatalf("Failed to compact: %v", err)
	}
	fmt.Printf("   ✓ compacted=%v, %d segment(s) remain\n", compacted, len(store.Compactor().Segments()))

	stats, err := store.Statistics()
	if err == nil {
		fmt.Printf("\nStatistics: %d keys, %d tombstones, %d bytes\n", stats.KeyCount, stats.Tombstones, stats.Size)
	}

	fmt.Println("\n8. Closing store...")
	if err := store.Close(); err != nil {
		log.Fatalf("Failed to close store: %v", err)
	}
	fmt.Println("   ✓ Store closed")
}
