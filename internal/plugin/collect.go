package plugin

import (
	"bytes"
	"context"

	"github.com/CZERTAINLY/Warden/internal/parallel"
)

// CollectSync runs every synchronous entry concurrently, one goroutine per
// entry, and concatenates the outputs in table order. Each output ends with
// a newline. Returns the number of entries which produced output.
// maxTimeout caps the timeout of every entry when not negative.
func CollectSync(ctx context.Context, t *Table, maxTimeout int) ([]byte, int) {
	var entries []*Entry
	for _, e := range t.Entries() {
		if !e.RunsAsync() {
			entries = append(entries, e)
		}
	}
	run := func(ctx context.Context, e *Entry) []byte {
		return e.RunSync(ctx, maxTimeout)
	}
	return concat(parallel.NewMap(ctx, 0, run).Slice(entries))
}

// CollectAsync serves every asynchronous entry from its cache and kicks a
// refresh of stale ones, see Entry.TriggerAsyncRefresh.
func CollectAsync(ctx context.Context, t *Table, startImmediately bool) ([]byte, int) {
	var results [][]byte
	for _, e := range t.Entries() {
		if e.RunsAsync() {
			results = append(results, e.TriggerAsyncRefresh(ctx, startImmediately))
		}
	}
	return concat(results)
}

func concat(results [][]byte) ([]byte, int) {
	var buf bytes.Buffer
	var count int
	for _, r := range results {
		if len(r) == 0 {
			continue
		}
		count++
		buf.Write(r)
		if r[len(r)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), count
}
