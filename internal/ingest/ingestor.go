// Package ingest sweeps the transcript inbox into the record store.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KiriruSokoru/whisper-core-server/internal/logger"
	"github.com/KiriruSokoru/whisper-core-server/internal/metrics"
	"github.com/KiriruSokoru/whisper-core-server/internal/store"
)

// Outcome classifies what happened to one inbox file.
type Outcome int

const (
	// Failed means an error stopped processing before a decision; the
	// file stays in the inbox and the next sweep retries it. It is the
	// zero value so error returns never read as a success.
	Failed Outcome = iota
	// Ingested means the transcript was stored and the file archived.
	Ingested
	// SkippedDuplicate means a same-named record already existed; the
	// file was archived unconditionally.
	SkippedDuplicate
	// SkippedMalformed means the name did not parse; the file stays in
	// the inbox for manual inspection.
	SkippedMalformed
	// SkippedEmpty means the content was empty after trimming; the file
	// stays in place.
	SkippedEmpty
)

// Store is the slice of the record store the ingestor needs.
type Store interface {
	ExistsByFileName(ctx context.Context, name string) (bool, error)
	UpsertTranscript(ctx context.Context, t store.Transcript) error
}

// Ingestor watches an inbox directory and moves parsed transcripts into
// the record store, archiving each source file after commit.
type Ingestor struct {
	store      Store
	inboxDir   string
	archiveDir string

	sweepInterval time.Duration
	errorBackoff  time.Duration

	log *logrus.Entry
	m   *metrics.Ingestor
}

func New(s Store, inboxDir, archiveDir string, m *metrics.Ingestor) *Ingestor {
	return &Ingestor{
		store:         s,
		inboxDir:      inboxDir,
		archiveDir:    archiveDir,
		sweepInterval: 10 * time.Second,
		errorBackoff:  60 * time.Second,
		log:           logger.Component("ingestor"),
		m:             m,
	}
}

// ProcessFile runs the full ingest contract for one inbox file:
// dedup, parse, read, upsert in one transaction, archive after commit.
func (in *Ingestor) ProcessFile(ctx context.Context, path string) (Outcome, error) {
	name := filepath.Base(path)
	log := in.log.WithField("file", name)

	exists, err := in.store.ExistsByFileName(ctx, name)
	if err != nil {
		return Failed, err
	}
	if exists {
		// Dedup is authoritative and idempotent: archive without
		// touching the stored record.
		if err := in.archive(path); err != nil {
			return Failed, err
		}
		log.Warn("skipped, duplicate")
		if in.m != nil {
			in.m.Duplicates.Inc()
		}
		return SkippedDuplicate, nil
	}

	meta, err := ParseFileName(name)
	if err != nil {
		log.WithError(err).Error("skipped, malformed")
		if in.m != nil {
			in.m.Rejected.Inc()
		}
		return SkippedMalformed, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Failed, fmt.Errorf("read %s: %w", name, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		log.Warn("skipped, empty content")
		if in.m != nil {
			in.m.Rejected.Inc()
		}
		return SkippedEmpty, nil
	}

	err = in.store.UpsertTranscript(ctx, store.Transcript{
		LastName:    meta.LastName,
		FirstName:   meta.FirstName,
		MiddleName:  meta.MiddleName,
		CallDate:    meta.CallDate,
		PhoneNumber: meta.PhoneNumber,
		Text:        text,
		FileName:    name,
	})
	if err != nil {
		// Transaction rolled back; the file stays in the inbox and the
		// next sweep retries it.
		return Failed, err
	}

	// Archive only after the commit succeeded.
	if err := in.archive(path); err != nil {
		return Failed, err
	}
	log.Info("transcript ingested")
	if in.m != nil {
		in.m.FilesIngested.Inc()
	}
	return Ingested, nil
}

func (in *Ingestor) archive(path string) error {
	dst := filepath.Join(in.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("archive %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Run sweeps the inbox until ctx is cancelled. Per-file errors are
// logged and leave the file in place for the next sweep; a sweep-level
// error switches to the longer backoff sleep.
func (in *Ingestor) Run(ctx context.Context) {
	if err := os.MkdirAll(in.archiveDir, 0o755); err != nil {
		in.log.WithError(err).Error("cannot create archive directory")
		return
	}
	in.log.WithField("inbox", in.inboxDir).Info("ingestor started")

	for {
		delay := in.sweepInterval
		if err := in.sweep(ctx); err != nil {
			in.log.WithError(err).Error("sweep failed")
			delay = in.errorBackoff
		}
		select {
		case <-ctx.Done():
			in.log.Info("ingestor stopped")
			return
		case <-time.After(delay):
		}
	}
}

func (in *Ingestor) sweep(ctx context.Context) error {
	entries, err := os.ReadDir(in.inboxDir)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		if _, err := in.ProcessFile(ctx, filepath.Join(in.inboxDir, e.Name())); err != nil {
			in.log.WithField("file", e.Name()).WithError(err).Error("ingest failed, will retry next sweep")
		}
	}
	return nil
}
