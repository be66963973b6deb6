package filestore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketsim/internal/domain/market"
	"marketsim/pkg/errors"
)

const (
	PrevFile     = "prices_prev.txt"
	LastFile     = "prices_last.txt"
	HistoryFile  = "history.log"
	StrikesFile  = "strikes.txt"
	RecordSep    = "\x1e"
	headerPrefix = "# "
)

// BackupStore keeps the crash-recovery snapshot as plain text files:
// [TICKER] lines followed by one price per line.
type BackupStore struct {
	dir string
	mu  sync.Mutex
}

// NewBackupStore creates a store rooted at dir, creating it if needed
func NewBackupStore(dir string) (*BackupStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}
	return &BackupStore{dir: dir}, nil
}

// LoadSpot reads the two most recent spot buckets. Both files must exist
// and parse.
func (s *BackupStore) LoadSpot(ctx context.Context) (market.Bucket, market.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.readBlocks(PrevFile)
	if err != nil {
		return market.Bucket{}, market.Bucket{}, errors.Join(errors.ErrBootstrap, err)
	}
	last, err := s.readBlocks(LastFile)
	if err != nil {
		return market.Bucket{}, market.Bucket{}, errors.Join(errors.ErrBootstrap, err)
	}
	if len(last) == 0 {
		return market.Bucket{}, market.Bucket{}, errors.Wrapf(errors.ErrBootstrap, "%s lists no tickers", LastFile)
	}

	return market.Bucket{Prices: prev}, market.Bucket{Prices: last}, nil
}

// SaveSpot replaces both spot backup files
func (s *BackupStore) SaveSpot(ctx context.Context, prev, last market.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(PrevFile, EncodeBlocks(prev.Prices)); err != nil {
		return err
	}
	return s.writeAtomic(LastFile, EncodeBlocks(last.Prices))
}

// AppendHistory appends one record: a "# <start>" header, the bracketed
// blocks, then the record separator line.
func (s *BackupStore) AppendHistory(ctx context.Context, bucket market.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteString(headerPrefix + bucket.Start.UTC().Format(time.RFC3339) + "\n")
	buf.Write(EncodeBlocks(bucket.Prices))
	buf.WriteString(RecordSep + "\n")

	f, err := os.OpenFile(s.path(HistoryFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(errors.ErrPersistence, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return errors.Join(errors.ErrPersistence, err)
	}
	return nil
}

// LoadLattices reads strikes.txt; ErrNotFound when it was never written
func (s *BackupStore) LoadLattices(ctx context.Context) (map[market.Ticker]market.StrikeLattice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks, err := s.readBlocks(StrikesFile)
	if err != nil {
		return nil, err
	}

	lattices := make(map[market.Ticker]market.StrikeLattice, len(blocks))
	for ticker, strikes := range blocks {
		if len(strikes) != market.LatticeSize {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "%s: %s has %d strikes", StrikesFile, ticker, len(strikes))
		}
		lattices[ticker] = strikes
	}
	return lattices, nil
}

// SaveLattices replaces strikes.txt
func (s *BackupStore) SaveLattices(ctx context.Context, lattices map[market.Ticker]market.StrikeLattice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make(map[market.Ticker][]float64, len(lattices))
	for ticker, lattice := range lattices {
		blocks[ticker] = lattice
	}
	return s.writeAtomic(StrikesFile, EncodeBlocks(blocks))
}

// ReadHistory streams every record of the history log to fn in file order
func (s *BackupStore) ReadHistory(ctx context.Context, fn func(market.Bucket) error) error {
	f, err := os.Open(s.path(HistoryFile))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrNotFound, "%s", HistoryFile)
		}
		return err
	}
	defer f.Close()

	return ScanHistory(ctx, f, fn)
}

// ScanHistory parses a history log
func ScanHistory(ctx context.Context, r io.Reader, fn func(market.Bucket) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var record bytes.Buffer
	var start time.Time
	n := 0

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == RecordSep:
			if err := ctx.Err(); err != nil {
				return err
			}
			prices, err := DecodeBlocks(record.Bytes())
			if err != nil {
				return errors.Wrapf(err, "history record %d", n)
			}
			if err := fn(market.Bucket{Start: start, Prices: prices}); err != nil {
				return err
			}
			record.Reset()
			start = time.Time{}
			n++
		case strings.HasPrefix(line, headerPrefix) && record.Len() == 0:
			t, err := time.Parse(time.RFC3339, strings.TrimPrefix(line, headerPrefix))
			if err != nil {
				return errors.Wrapf(errors.ErrInvalidInput, "history record %d header %q", n, line)
			}
			start = t
		default:
			record.WriteString(line)
			record.WriteByte('\n')
		}
	}
	return scanner.Err()
}

// EncodeBlocks renders prices as [TICKER] blocks in ticker order
func EncodeBlocks(prices map[market.Ticker][]float64) []byte {
	var buf bytes.Buffer
	for _, ticker := range market.SortedTickers(prices) {
		fmt.Fprintf(&buf, "[%s]\n", ticker)
		for _, p := range prices[ticker] {
			buf.WriteString(strconv.FormatFloat(p, 'f', -1, 64))
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// DecodeBlocks parses [TICKER] blocks. Blank lines are ignored; a price
// before the first header or an unparseable line is an error.
func DecodeBlocks(data []byte) (map[market.Ticker][]float64, error) {
	out := make(map[market.Ticker][]float64)
	var current market.Ticker

	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
			name := strings.TrimSpace(text[1 : len(text)-1])
			if name == "" {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "line %d: empty ticker", line)
			}
			current = market.Ticker(name)
			if _, dup := out[current]; dup {
				return nil, errors.Wrapf(errors.ErrInvalidInput, "line %d: duplicate ticker %s", line, current)
			}
			out[current] = []float64{}
			continue
		}

		if current == "" {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "line %d: price outside a ticker block", line)
		}
		price, err := strconv.ParseFloat(text, 64)
		if err != nil || price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "line %d: bad price %q", line, text)
		}
		out[current] = append(out[current], price)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for ticker, prices := range out {
		if len(prices) == 0 {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "ticker %s has no prices", ticker)
		}
	}
	return out, nil
}

func (s *BackupStore) readBlocks(name string) (map[market.Ticker][]float64, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "%s", name)
		}
		return nil, errors.Wrapf(err, "read %s", name)
	}
	blocks, err := DecodeBlocks(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return blocks, nil
}

// writeAtomic writes through a temp file and rename so a crash never
// leaves a half-written backup
func (s *BackupStore) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return errors.Join(errors.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Join(errors.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Join(errors.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(errors.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		return errors.Join(errors.ErrPersistence, err)
	}
	return nil
}

func (s *BackupStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

var _ market.BackupStore = (*BackupStore)(nil)
