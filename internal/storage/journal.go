package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

// Journal streams.
const (
	StreamSwings     = "swings"
	StreamRejections = "rejections"
	StreamOrders     = "orders"
	StreamTrades     = "trades"
	StreamSummaries  = "summaries"
	StreamErrors     = "errors"
)

// Entry is one JSONL line.
type Entry struct {
	ID     string          `json:"id"`
	Stream string          `json:"stream"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data"`
}

// Journal appends records to one file per stream per trading day.
type Journal struct {
	dir     string
	session market.Session
	mu      sync.Mutex
	now     func() time.Time
}

func NewJournal(dir string, session market.Session) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &Journal{dir: dir, session: session, now: time.Now}, nil
}

// SetClock replaces the wall clock used to stamp and route entries.
func (j *Journal) SetClock(now func() time.Time) { j.now = now }

func (j *Journal) path(stream, day string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl", stream, day))
}

func (j *Journal) Append(stream string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("journal %s: %w", stream, err)
	}
	now := j.now()
	line, err := json.Marshal(Entry{ID: uuid.NewString(), Stream: stream, At: now.UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("journal %s: %w", stream, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path(stream, j.session.Day(now)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal %s: %w", stream, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal %s: %w", stream, err)
	}
	return nil
}

// Read returns the entries of stream for day (YYYY-MM-DD). Corrupt lines
// are skipped.
func (j *Journal) Read(stream, day string) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path(stream, day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
