package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			fmt.Printf("[%5.0fs] calls/sec: %6d | claimed: %7d | finished: %7d | failed: %5d | no work: %6d | unavailable: %4d | errors: %4d\n",
				elapsed.Seconds(),
				snapshot.Total()-last.Total(),
				snapshot.Claimed,
				snapshot.Finished,
				snapshot.Failed,
				snapshot.NoWork,
				snapshot.Unavailable,
				snapshot.Errors,
			)

			last = snapshot
		}
	}
}
