package ingest_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"import-worker-service/internal/ingest"
)

type trackedStream struct {
	io.Reader
	closes  int
	readErr error
}

func (s *trackedStream) Read(p []byte) (int, error) {
	if s.readErr != nil {
		return 0, s.readErr
	}
	return s.Reader.Read(p)
}

func (s *trackedStream) Close() error {
	s.closes++
	return nil
}

func stream(content string) *trackedStream {
	return &trackedStream{Reader: strings.NewReader(content)}
}

func TestDelimitedReader_ReadAll(t *testing.T) {
	src := stream("\xEF\xBB\xBFCODE;NAME\n1;Alpha\n\n2;\"Be;ta\"\n")
	r, err := ingest.NewDelimitedReader(src, ';')
	require.NoError(t, err)

	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"CODE", "NAME"}, rows[0].Fields)
	assert.Equal(t, 1, rows[0].Line)
	assert.Equal(t, []string{"1", "Alpha"}, rows[1].Fields)
	assert.Equal(t, 2, rows[1].Line)
	assert.Equal(t, []string{"2", "Be;ta"}, rows[2].Fields)
	assert.Equal(t, 4, rows[2].Line)
	assert.Equal(t, 1, src.closes)
}

func TestDelimitedReader_InvalidUTF8Replaced(t *testing.T) {
	r, err := ingest.NewDelimitedReader(stream("A;B\nx\xffy;z\n"), ';')
	require.NoError(t, err)

	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "x\uFFFDy", rows[1].Fields[0])
}

func TestDelimitedReader_NextStepByStep(t *testing.T) {
	src := stream("A\nB\n")
	r, err := ingest.NewDelimitedReader(src, ';')
	require.NoError(t, err)

	row, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, row.Fields)

	_, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, src.closes)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, src.closes)

	_, err = r.Next()
	assert.ErrorIs(t, err, ingest.ErrReaderClosed)
}

func TestDelimitedReader_EarlyStopClosesStream(t *testing.T) {
	src := stream("A\nB\nC\n")
	r, err := ingest.NewDelimitedReader(src, ';')
	require.NoError(t, err)

	for row, err := range r.Rows() {
		require.NoError(t, err)
		if row.Fields[0] == "A" {
			break
		}
	}
	assert.Equal(t, 1, src.closes)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, src.closes, "close is idempotent")
}

func TestDelimitedReader_ReadErrorEndsSequence(t *testing.T) {
	boom := errors.New("connection reset")
	src := &trackedStream{Reader: strings.NewReader(""), readErr: boom}
	r, err := ingest.NewDelimitedReader(src, ';')
	require.NoError(t, err)

	var seen []error
	for _, err := range r.Rows() {
		seen = append(seen, err)
	}
	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], boom)
	assert.Equal(t, 1, src.closes)
}

func TestDelimitedReader_RejectsQuoteDelimiter(t *testing.T) {
	src := stream("A")
	_, err := ingest.NewDelimitedReader(src, '"')
	assert.ErrorIs(t, err, ingest.ErrInvalidDelimiter)
	assert.Equal(t, 1, src.closes)
}

func TestSheetReader_FirstSheet(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"CODE", "NAME"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{1, "Alpha"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{2, "Beta"}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	src := &trackedStream{Reader: &buf}
	r, err := ingest.OpenReader("upload.XLSX", src, ';')
	require.NoError(t, err)

	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"CODE", "NAME"}, rows[0].Fields)
	assert.Equal(t, []string{"2", "Beta"}, rows[2].Fields)
	assert.Equal(t, 3, rows[2].Line)
	assert.Equal(t, 1, src.closes)
}

func TestOpenReader_UnsupportedFormat(t *testing.T) {
	_, err := ingest.OpenReader("legacy.xls", stream(""), ';')
	assert.ErrorIs(t, err, ingest.ErrUnsupportedFormat)
}
