// Package spool ingests mutation files dropped into a directory. Point-of-sale
// integrations that cannot link against the agent write one JSON mutation
// event per file; the watcher picks each file up, emits it through the local
// store, and removes it. Files that fail validation are renamed with a
// .rejected suffix and left for inspection instead of being retried forever.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/storage"
)

// Emitter records a local mutation. *localstore.Store satisfies it.
type Emitter interface {
	EmitMutation(ctx context.Context, event envelope.MutationEvent) (envelope.Envelope, error)
}

// Logger is the narrow logging surface the watcher needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type Watcher struct {
	dir     string
	emitter Emitter
	logger  Logger
}

func New(dir string, emitter Emitter, logger Logger) (*Watcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Watcher{dir: dir, emitter: emitter, logger: logger}, nil
}

// Run watches the spool directory until ctx is cancelled. Files already
// present at startup are swept first so a restart never strands drops.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if n, err := w.Sweep(ctx); err != nil {
		return err
	} else if n > 0 {
		w.logger.Printf("spool: swept %d stranded files", n)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			w.process(ctx, event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("spool: watch error: %v", err)
		}
	}
}

// Sweep processes every spool file currently in the directory, oldest name
// first, and reports how many were emitted.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	names, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(names)
	emitted := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		if w.process(ctx, name) {
			emitted++
		}
	}
	return emitted, nil
}

// process reads, emits and removes one drop file. Returns whether a mutation
// was emitted. Unreadable or invalid files are quarantined; transient emit
// failures (a full disk under the outbox, say) leave the file in place for
// the next sweep.
func (w *Watcher) process(ctx context.Context, path string) bool {
	data, err := readSettled(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		w.logger.Printf("spool: read %s: %v", filepath.Base(path), err)
		return false
	}

	var event envelope.MutationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		w.quarantine(path, fmt.Sprintf("parse: %v", err))
		return false
	}
	if event.OpID == "" {
		// a stable id per drop: a retry of this file after a transient
		// emit failure must resolve to the same operation, never a
		// second one
		event.OpID = dropOpID(filepath.Base(path), data)
	}

	env, err := w.emitter.EmitMutation(ctx, event)
	if err != nil {
		if isPermanent(err) {
			w.quarantine(path, fmt.Sprintf("emit: %v", err))
		} else {
			w.logger.Printf("spool: emit %s (will retry): %v", filepath.Base(path), err)
		}
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Printf("spool: remove %s: %v", filepath.Base(path), err)
	}
	w.logger.Printf("spool: emitted %s %s as op %s", event.EntityType, event.Op, env.OpID)
	return true
}

func (w *Watcher) quarantine(path, reason string) {
	rejected := path + ".rejected"
	if err := os.Rename(path, rejected); err != nil {
		w.logger.Printf("spool: quarantine %s: %v", filepath.Base(path), err)
		return
	}
	w.logger.Printf("spool: rejected %s: %s", filepath.Base(path), reason)
}

// readSettled re-reads until two consecutive reads agree, so a writer mid-copy
// does not get half a file parsed. Gives up after a few rounds and returns the
// last read.
func readSettled(path string) ([]byte, error) {
	var prev []byte
	for i := 0; i < 5; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if prev != nil && len(data) == len(prev) && string(data) == string(prev) {
			return data, nil
		}
		prev = data
		time.Sleep(10 * time.Millisecond)
	}
	return prev, nil
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}

// dropOpID derives a deterministic op id from the drop file's name and
// content. Integrations must give each logical operation its own file name;
// re-dropping an identical name and content is a replay of the same op.
func dropOpID(name string, content []byte) string {
	seed := make([]byte, 0, len(name)+1+len(content))
	seed = append(seed, name...)
	seed = append(seed, 0)
	seed = append(seed, content...)
	return uuid.NewSHA1(uuid.NameSpaceURL, seed).String()
}

func isPermanent(err error) bool {
	return errors.Is(err, envelope.ErrInvalidInput) ||
		errors.Is(err, storage.ErrInvalidInput) ||
		errors.Is(err, storage.ErrNotFound)
}
