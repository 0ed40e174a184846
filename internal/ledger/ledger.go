// Package ledger implements the identifier ledger: an append-only CSV file
// with header "id,prefijo" whose last row holds the current counter. The
// counter is shared by every prefix, so "PB" and "CB" identifiers never reuse a
// number.
//
// Every mutation runs under the ledger's advisory lock and rewrites the file
// atomically (temp file + rename), so concurrent processes never observe a
// half-written ledger.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/biobank-intake/internal/domain"
	"github.com/tbourn/biobank-intake/internal/filelock"
	"github.com/tbourn/biobank-intake/internal/fsutil"
)

// Header is the ledger's column row.
var Header = []string{"id", "prefijo"}

// Ledger is the identifier ledger stored at Path.
type Ledger struct {
	path string
	lock *filelock.Lock
}

// New returns a ledger at path guarded by lock. A nil lock defaults to
// "<path>.lock" with a 10s budget.
func New(path string, lock *filelock.Lock) *Ledger {
	if lock == nil {
		lock = filelock.New(path+".lock", 10*time.Second)
	}
	return &Ledger{path: path, lock: lock}
}

// Path returns the local ledger file.
func (l *Ledger) Path() string { return l.path }

// EnsureInitialized creates the ledger with only the header row when no file
// exists yet. It is idempotent, never touches an existing file and runs under
// the ledger lock so it cannot race an allocation.
func (l *Ledger) EnsureInitialized(ctx context.Context) error {
	return l.lock.With(ctx, l.ensureInitialized)
}

// ensureInitialized is EnsureInitialized for callers already holding the lock.
func (l *Ledger) ensureInitialized() error {
	_, err := os.Stat(l.path)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: stat ledger %s: %w", domain.ErrStorage, l.path, err)
	}
	if err := l.write([]domain.IdentifierRecord{}); err != nil {
		return err
	}
	log.Info().Str("ledger", l.path).Msg("identifier ledger initialized")
	return nil
}

// Next allocates the next sample identifier for prefix: it reads the ledger,
// takes the last sequence (0 when only the header exists), appends
// (last+1, prefix) and returns prefix ++ zero_pad(last+1, 6).
//
// Every successful call appends exactly one row; callers must memoize the
// result for the lifetime of one submission.
func (l *Ledger) Next(ctx context.Context, prefix string) (domain.SampleIdentifier, error) {
	p, err := domain.NormalizePrefix(prefix)
	if err != nil {
		return "", err
	}

	var rec domain.IdentifierRecord
	err = l.lock.With(ctx, func() error {
		if err := l.ensureInitialized(); err != nil {
			return err
		}
		rows, err := l.read()
		if err != nil {
			return err
		}
		last := 0
		if n := len(rows); n > 0 {
			last = rows[n-1].Sequence
		}
		rec = domain.IdentifierRecord{Sequence: last + 1, Prefix: p}
		return l.write(append(rows, rec))
	})
	if err != nil {
		return "", err
	}

	id := rec.SampleIdentifier()
	log.Info().
		Str("ledger", l.path).
		Int("sequence", rec.Sequence).
		Str("sample_id", id.String()).
		Msg("sample identifier allocated")
	return id, nil
}

// Last returns the most recent ledger row, or the zero record when the
// ledger is missing or empty.
func (l *Ledger) Last() (domain.IdentifierRecord, error) {
	rows, err := l.Records()
	if err != nil || len(rows) == 0 {
		return domain.IdentifierRecord{}, err
	}
	return rows[len(rows)-1], nil
}

// Records returns every ledger row in file order. A missing ledger yields no
// rows and no error.
func (l *Ledger) Records() ([]domain.IdentifierRecord, error) {
	rows, err := l.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return rows, err
}

// Replace swaps the ledger for content after checking that it parses. It runs
// under the ledger lock.
func (l *Ledger) Replace(ctx context.Context, content []byte) error {
	if _, err := parse(bytes.NewReader(content), "upload"); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return l.lock.With(ctx, func() error {
		if _, err := fsutil.CopyFileAtomic(l.path, bytes.NewReader(content)); err != nil {
			return fmt.Errorf("%w: replace ledger %s: %w", domain.ErrStorage, l.path, err)
		}
		log.Info().Str("ledger", l.path).Int("bytes", len(content)).Msg("identifier ledger replaced")
		return nil
	})
}

func (l *Ledger) read() ([]domain.IdentifierRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
		}
		return nil, fmt.Errorf("%w: open ledger %s: %w", domain.ErrStorage, l.path, err)
	}
	defer f.Close()
	return parse(f, l.path)
}

func parse(r io.Reader, name string) ([]domain.IdentifierRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: ledger %s has no header", domain.ErrStorage, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger %s: %w", domain.ErrStorage, name, err)
	}
	if len(header) < 2 ||
		strings.TrimPrefix(strings.TrimSpace(header[0]), "\ufeff") != Header[0] ||
		strings.TrimSpace(header[1]) != Header[1] {
		return nil, fmt.Errorf("%w: ledger %s has corrupt header %q", domain.ErrStorage, name, header)
	}

	var out []domain.IdentifierRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read ledger %s: %w", domain.ErrStorage, name, err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: ledger %s line %d: expected 2 columns, got %d", domain.ErrStorage, name, line, len(row))
		}
		seq, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil || seq < 1 {
			return nil, fmt.Errorf("%w: ledger %s line %d: bad id %q", domain.ErrStorage, name, line, row[0])
		}
		out = append(out, domain.IdentifierRecord{Sequence: seq, Prefix: strings.TrimSpace(row[1])})
	}
	return out, nil
}

func (l *Ledger) write(rows []domain.IdentifierRecord) error {
	err := fsutil.WriteAtomic(l.path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(Header); err != nil {
			return err
		}
		for _, r := range rows {
			if err := cw.Write([]string{strconv.Itoa(r.Sequence), r.Prefix}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("%w: write ledger %s: %w", domain.ErrStorage, l.path, err)
	}
	return nil
}
