// Package watcher turns files dropped into the upload directory into
// ingestion jobs. It is the hands-off alternative to the upload endpoint:
// point the directory at a synced folder and documents index themselves.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"pdfrag/internal/jobs"
	"pdfrag/internal/parser"
)

// Enqueuer accepts ingestion jobs. Satisfied by *jobs.Runner.
type Enqueuer interface {
	Enqueue(kind string, payload any, dedupeKey string) (string, error)
}

// Watcher monitors one directory for new or rewritten documents.
type Watcher struct {
	dir string
	enq Enqueuer
	fsw *fsnotify.Watcher

	once sync.Once
	wg   sync.WaitGroup
}

// New prepares a watcher for dir. Nothing is watched until Start.
func New(dir string, enq Enqueuer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("init file watcher: %w", err)
	}
	return &Watcher{dir: dir, enq: enq, fsw: fsw}, nil
}

// Start begins watching and returns. Events are handled until the context
// is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.wg.Add(1)
	go w.loop(ctx)
	log.Info().Str("dir", w.dir).Msg("watching upload directory")
	return nil
}

// Close stops watching and waits for the event loop to drain.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
	})
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// handle queues an ingest job for a created or rewritten document. Write
// events commonly fire several times while a file is copied in; the job
// cooldown absorbs the duplicates, so a rejected enqueue is only logged.
func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !parser.Supported(filepath.Ext(event.Name)) {
		return
	}
	name := filepath.Base(event.Name)
	id, err := w.enq.Enqueue(jobs.KindIngest, jobs.IngestPayload{
		Path:     event.Name,
		SourceID: name,
	}, name)
	if err != nil {
		log.Debug().Str("file", name).Err(err).Msg("skipped watched file")
		return
	}
	log.Info().Str("file", name).Str("run", id).Msg("queued ingestion for watched file")
}
