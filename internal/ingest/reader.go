package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"go.uber.org/multierr"
)

// DefaultDelimiter separates fields in uploaded files.
const DefaultDelimiter = ';'

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Row is one physical record of the input with its 1-based line number.
type Row struct {
	Line   int
	Fields []string
}

// Reader yields rows lazily from a byte stream. The stream is closed once the
// rows are exhausted, when a range over Rows stops early, or on Close.
type Reader struct {
	next    func() (Row, error)
	closeFn func() error
	closed  bool
}

// NewDelimitedReader reads delimiter-separated text. A leading byte order mark
// is dropped and invalid UTF-8 is replaced with U+FFFD.
func NewDelimitedReader(rc io.ReadCloser, delimiter rune) (*Reader, error) {
	if delimiter == 0 {
		delimiter = DefaultDelimiter
	}
	if !validDelimiter(delimiter) {
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %q", ErrInvalidDelimiter, delimiter)
	}

	br := bufio.NewReader(rc)
	if prefix, err := br.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = br.Discard(len(byteOrderMark))
	}

	cr := csv.NewReader(br)
	cr.Comma = delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	return &Reader{
		next: func() (Row, error) {
			rec, err := cr.Read()
			if err != nil {
				return Row{}, err
			}
			line, _ := cr.FieldPos(0)
			for i, f := range rec {
				if !utf8.ValidString(f) {
					rec[i] = strings.ToValidUTF8(f, "\uFFFD")
				}
			}
			return Row{Line: line, Fields: rec}, nil
		},
		closeFn: rc.Close,
	}, nil
}

// NewSheetReader streams the first worksheet of an .xlsx workbook.
func NewSheetReader(rc io.ReadCloser) (*Reader, error) {
	f, err := excelize.OpenReader(rc)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("open xlsx: %w", err), rc.Close())
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, multierr.Combine(errors.New("xlsx has no sheets"), f.Close(), rc.Close())
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("read sheet %s: %w", sheets[0], err), f.Close(), rc.Close())
	}

	line := 0
	return &Reader{
		next: func() (Row, error) {
			for rows.Next() {
				line++
				cols, err := rows.Columns()
				if err != nil {
					return Row{}, err
				}
				if len(cols) == 0 {
					continue
				}
				return Row{Line: line, Fields: cols}, nil
			}
			if err := rows.Error(); err != nil {
				return Row{}, err
			}
			return Row{}, io.EOF
		},
		closeFn: func() error {
			return multierr.Combine(rows.Close(), f.Close(), rc.Close())
		},
	}, nil
}

// OpenReader picks the reader implementation from the file extension.
func OpenReader(filename string, rc io.ReadCloser, delimiter rune) (*Reader, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return NewSheetReader(rc)
	case ".xls", ".ods":
		_ = rc.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	default:
		return NewDelimitedReader(rc, delimiter)
	}
}

// Next returns the next row or io.EOF. Reaching io.EOF closes the stream.
func (r *Reader) Next() (Row, error) {
	if r.closed {
		return Row{}, ErrReaderClosed
	}
	row, err := r.next()
	if errors.Is(err, io.EOF) {
		if cerr := r.Close(); cerr != nil {
			return Row{}, cerr
		}
		return Row{}, io.EOF
	}
	return row, err
}

// Rows ranges over the remaining rows. A read error is yielded once and ends
// the sequence.
func (r *Reader) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		defer r.Close()
		for {
			row, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Row{}, multierr.Append(err, r.Close()))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ReadAll materializes every remaining row. Meant for small files.
func (r *Reader) ReadAll() ([]Row, error) {
	var out []Row
	for row, err := range r.Rows() {
		if err != nil {
			return out, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeFn()
}

func validDelimiter(r rune) bool {
	return r != '"' && r != '\r' && r != '\n' && r != utf8.RuneError && utf8.ValidRune(r)
}
