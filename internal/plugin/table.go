package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// Table maps absolute paths to entries in insertion order. It has a single
// writer, the scheduling loop.
type Table struct {
	shared   *Shared
	execType ExecType
	order    []string
	entries  map[string]*Entry
}

func NewTable(shared *Shared, execType ExecType) *Table {
	return &Table{
		shared:   shared,
		execType: execType,
		entries:  make(map[string]*Entry),
	}
}

// Reconcile makes the table mirror the files matching a rule with run
// enabled. The last declared matching rule of a file wins. Existing
// entries keep their runtime state, entries without a winning rule are
// removed and their workers joined. Of files sharing a base name
// (case-insensitive) only the first one in files order is kept. With
// checkExists, entries of files missing on disk are removed too.
func (t *Table) Reconcile(ctx context.Context, files []string, rules []Rule, checkExists bool) {
	if len(files) == 0 || len(rules) == 0 {
		t.Close()
		t.order = nil
		t.entries = make(map[string]*Entry)
		t.shared.Metrics.SetEntries(t.execType.String(), 0)
		return
	}

	type winner struct {
		path string
		rule Rule
	}
	var winners []winner
	names := make(map[string]string)
	for _, path := range files {
		if checkExists && !exists(path) {
			slog.DebugContext(ctx, "file is missing", "path", path)
			continue
		}
		rule, ok := winningRule(path, rules)
		if !ok {
			slog.DebugContext(ctx, "no matching rule", "path", path)
			continue
		}
		if !rule.Run {
			slog.DebugContext(ctx, "excluded from execution", "path", path, "pattern", rule.Pattern)
			continue
		}
		name := strings.ToLower(baseName(path))
		if first, ok := names[name]; ok {
			if first != path {
				slog.InfoContext(ctx, "duplicated plugin name, skipped", "path", path, "kept", first)
			}
			continue
		}
		names[name] = path
		winners = append(winners, winner{path: path, rule: rule})
	}

	keep := make(map[string]struct{}, len(winners))
	for _, w := range winners {
		keep[w.path] = struct{}{}
		e, ok := t.entries[w.path]
		created := !ok
		if created {
			e = NewEntry(t.shared, w.path)
			t.entries[w.path] = e
			t.order = append(t.order, w.path)
		}
		e.ApplyConfiguration(w.rule, t.execType)
		if created {
			e.restore(ctx)
		}
	}

	for _, path := range t.order {
		if _, ok := keep[path]; !ok {
			t.entries[path].removeFromExecution()
		}
	}
	t.purge()
	t.shared.Metrics.SetEntries(t.execType.String(), len(t.order))
}

// purge erases entries removed from execution
func (t *Table) purge() {
	order := t.order[:0]
	for _, path := range t.order {
		if t.entries[path].Path() == "" {
			delete(t.entries, path)
			continue
		}
		order = append(order, path)
	}
	clear(t.order[len(order):])
	t.order = order
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// Get returns the entry of path or nil
func (t *Table) Get(path string) *Entry {
	return t.entries[path]
}

func (t *Table) ExecType() ExecType {
	return t.execType
}

func (t *Table) Len() int {
	return len(t.order)
}

// Entries returns the entries in insertion order
func (t *Table) Entries() []*Entry {
	ret := make([]*Entry, 0, len(t.order))
	for _, path := range t.order {
		ret = append(ret, t.entries[path])
	}
	return ret
}

// Paths returns the paths of all entries in insertion order
func (t *Table) Paths() []string {
	return append([]string(nil), t.order...)
}

// StartMarked is the restart sweep: starts workers of entries marked as
// going old. Returns the number of started workers.
func (t *Table) StartMarked(ctx context.Context) int {
	var n int
	for _, e := range t.Entries() {
		if e.StartIfMarked(ctx) {
			n++
		}
	}
	return n
}

// Close joins every background worker. The entries are kept.
func (t *Table) Close() {
	for _, e := range t.Entries() {
		e.BreakAndJoin()
	}
}
