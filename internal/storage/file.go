package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "newsbot/pkg/logx"
)

const compactEvery = 500

// fileStore keeps every record in memory and persists them as:
//   - <prefix>.records.snapshot.json (periodic full snapshot)
//   - <prefix>.records.journal.jsonl (append-only journal since the snapshot)
//
// Startup loads the snapshot and replays the journal; the journal is folded
// into a fresh snapshot every compactEvery writes and on Close. One process
// at a time: <prefix>.lock is held until Close.
type fileStore struct {
	log  logx.Logger
	lock *os.File

	mu           sync.Mutex
	recs         map[string]Record
	snapshotPath string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/newsbot"
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lock, err := lockFile(prefix + ".lock")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Store, error) {
		unlockFile(lock)
		return nil, err
	}

	snapPath := prefix + ".records.snapshot.json"
	journalPath := prefix + ".records.journal.jsonl"

	recs := map[string]Record{}
	if err := loadSnapshot(snapPath, recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(err)
	}
	skipped, err := replayJournal(journalPath, recs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fail(err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal lines", logx.Int("count", skipped), logx.String("path", journalPath))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return fail(err)
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("records", len(recs)))
	return &fileStore{log: log, lock: lock, recs: recs, snapshotPath: snapPath, journal: jf}, nil
}

func (s *fileStore) Get(_ context.Context, kind Kind, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.recs[recordID(kind, key)]
	return r, ok, nil
}

func (s *fileStore) Insert(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.recs[recordID(r.Kind, r.Key)]; ok {
		return ErrExists
	}
	return s.writeLocked(stamp(r, time.Now()))
}

func (s *fileStore) Upsert(_ context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.writeLocked(stamp(r, time.Now()))
}

func (s *fileStore) Search(_ context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return searchMap(s.recs, q), nil
}

// writeLocked journals r before exposing it in memory, so a failed append
// leaves both views unchanged.
func (s *fileStore) writeLocked(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	s.recs[recordID(r.Kind, r.Key)] = r
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("store compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		list = append(list, r)
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	var cerr error
	if s.writes > 0 {
		cerr = s.compactLocked()
	}
	err := s.journal.Close()
	s.journal = nil
	unlockFile(s.lock)
	s.lock = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func loadSnapshot(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []Record
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, r := range list {
		out[recordID(r.Kind, r.Key)] = r
	}
	return nil
}

// replayJournal applies journal lines in order. Torn or corrupt lines (a
// crash mid-append) are counted and skipped.
func replayJournal(path string, out map[string]Record) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || validate(r) != nil {
			skipped++
			continue
		}
		out[recordID(r.Kind, r.Key)] = r
	}
	return skipped, sc.Err()
}
