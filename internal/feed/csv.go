// Package feed supplies ordered event streams to the backtest driver. A
// source hands out bounded chunks so a months-long tick file never has to
// fit in memory. It never reorders, drops, or judges events; validity is
// the book's and the strategy's call.
package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mm_backtest/internal/core"
	apperrors "mm_backtest/pkg/errors"
)

// DefaultChunkSize is used when the config leaves chunk_size unset.
const DefaultChunkSize = 50000

// Accepted timestamp layouts, tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

var expectedHeader = []string{"timestamp", "type", "price", "size"}

// CSVSource streams one security's tick file: header
// timestamp,type,price,size, one event per row. Rows that cannot be parsed
// at all are skipped with a warning and counted on the chunk; zero or empty
// price/size parse to inert events and pass through untouched.
type CSVSource struct {
	security string
	path     string
	file     *os.File
	reader   *csv.Reader
	chunk    int
	logger   core.ILogger

	record    int // last read record number, header = 1
	exhausted bool
}

// NewCSVSource opens <path> and validates its header. chunkSize <= 0 falls
// back to DefaultChunkSize.
func NewCSVSource(path, security string, chunkSize int, logger core.ILogger) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick file for %s: %w", security, err)
	}

	r := csv.NewReader(f)
	r.ReuseRecord = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, &apperrors.DataError{Source: path, Line: 1, Reason: fmt.Sprintf("cannot read header: %v", err)}
	}
	if err := checkHeader(header); err != nil {
		f.Close()
		return nil, &apperrors.DataError{Source: path, Line: 1, Reason: err.Error()}
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &CSVSource{
		security: security,
		path:     path,
		file:     f,
		reader:   r,
		chunk:    chunkSize,
		logger:   logger.WithField("component", "feed").WithField("security", security),
		record:   1,
	}, nil
}

func checkHeader(header []string) error {
	if len(header) != len(expectedHeader) {
		return fmt.Errorf("expected %d header columns, got %d", len(expectedHeader), len(header))
	}
	for i, want := range expectedHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return fmt.Errorf("header column %d is %q, want %q", i+1, header[i], want)
		}
	}
	return nil
}

// NextChunk reads up to the configured chunk size. It returns io.EOF once
// the file is fully consumed.
func (s *CSVSource) NextChunk(ctx context.Context) (core.Chunk, error) {
	if s.exhausted {
		return core.Chunk{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return core.Chunk{}, err
	}

	events := make([]core.Event, 0, s.chunk)
	dropped := 0
	for len(events) < s.chunk {
		row, err := s.reader.Read()
		if err == io.EOF {
			s.exhausted = true
			break
		}
		s.record++
		if err != nil {
			dropped++
			s.warnSkip(err.Error())
			continue
		}
		ev, perr := s.parseRow(row)
		if perr != nil {
			dropped++
			s.warnSkip(perr.Reason)
			continue
		}
		events = append(events, ev)
	}

	if len(events) == 0 && dropped == 0 {
		return core.Chunk{}, io.EOF
	}
	return core.Chunk{Events: events, Dropped: dropped}, nil
}

func (s *CSVSource) parseRow(row []string) (core.Event, *apperrors.DataError) {
	if len(row) != len(expectedHeader) {
		return core.Event{}, s.dataError("row has %d columns, want %d", len(row), len(expectedHeader))
	}

	ts, err := parseTimestamp(row[0])
	if err != nil {
		return core.Event{}, s.dataError("bad timestamp %q", row[0])
	}

	price := decimal.Zero
	if v := strings.TrimSpace(row[2]); v != "" {
		price, err = decimal.NewFromString(v)
		if err != nil {
			return core.Event{}, s.dataError("bad price %q", row[2])
		}
	}

	var size int64
	if v := strings.TrimSpace(row[3]); v != "" {
		size, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			// Spreadsheet exports write integer sizes as 500.0.
			d, derr := decimal.NewFromString(v)
			if derr != nil {
				return core.Event{}, s.dataError("bad size %q", row[3])
			}
			size = d.IntPart()
		}
	}

	return core.Event{
		Security:  s.security,
		Timestamp: ts,
		Kind:      core.ParseEventKind(row[1]),
		Price:     price,
		Size:      size,
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	v := strings.TrimSpace(raw)
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

func (s *CSVSource) dataError(format string, args ...interface{}) *apperrors.DataError {
	return &apperrors.DataError{Source: s.path, Line: s.record, Reason: fmt.Sprintf(format, args...)}
}

func (s *CSVSource) warnSkip(reason string) {
	s.logger.Warn("Skipping unparseable row", "line", s.record, "reason", reason)
}

// Close releases the underlying file.
func (s *CSVSource) Close() error {
	return s.file.Close()
}
