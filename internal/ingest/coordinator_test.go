package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/ingest"
)

type recordingObserver struct {
	mu      sync.Mutex
	read    []int
	skipped []int
}

func (o *recordingObserver) RowRead(line int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.read = append(o.read, line)
}

func (o *recordingObserver) RowSkipped(line int, _ []ingest.ValidationError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skipped = append(o.skipped, line)
}

func newCoordinator(cfg ingest.Config) *ingest.Coordinator {
	return ingest.NewCoordinator(codeName, cfg, zap.NewNop())
}

func TestCoordinator_DedupEndToEnd(t *testing.T) {
	c := newCoordinator(ingest.Config{Strategy: ingest.Dedup(zap.NewNop())})
	imp, err := c.Open(context.Background(), "three.csv", stream("CODE;NAME\n1;A\n2;B\n2;B\n"))
	require.NoError(t, err)

	got := collect(t, imp.Records())
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Name())
	assert.Equal(t, "B", got[1].Name())
	assert.Equal(t, ingest.Counts{Read: 3, Valid: 3, Skipped: 0, Emitted: 2}, imp.Counts())
}

func TestCoordinator_MissingColumnFailsBeforeRows(t *testing.T) {
	src := stream("CODE\n1\n2\n")
	c := newCoordinator(ingest.Config{})

	imp, err := c.Open(context.Background(), "missing.csv", src)
	assert.Nil(t, imp)

	he := headerErr(t, err)
	assert.Equal(t, ingest.HeaderMissingColumns, he.Kind)
	assert.Equal(t, []string{"NAME"}, he.Missing)
	assert.Equal(t, 1, src.closes)
}

func TestCoordinator_UnexpectedColumnBeforeRowValidation(t *testing.T) {
	// The data row is invalid as well; only the header error may surface.
	c := newCoordinator(ingest.Config{})
	_, err := c.Validate(context.Background(), "extra.csv", stream("CODE;NAME;EXTRA\n0;;x\n"))
	assert.Equal(t, ingest.HeaderUnexpectedColumns, headerErr(t, err).Kind)
}

func TestCoordinator_EmptyFile(t *testing.T) {
	_, err := newCoordinator(ingest.Config{}).Open(context.Background(), "empty.csv", stream(""))
	assert.Equal(t, ingest.HeaderEmpty, headerErr(t, err).Kind)
}

func TestCoordinator_ValidateAggregatesEveryRow(t *testing.T) {
	c := newCoordinator(ingest.Config{})
	counts, err := c.Validate(context.Background(), "rows.csv", stream("CODE;NAME\n1;A\n2;\n3;C\n4; \n"))

	var agg *ingest.AggregatedValidationError
	require.True(t, errors.As(err, &agg))
	assert.Equal(t, "rows.csv", agg.Filename)
	require.Len(t, agg.Errors, 2)
	assert.Equal(t, ingest.ValidationError{Line: 3, Column: "NAME", Message: "value is required"}, agg.Errors[0])
	assert.Equal(t, 5, agg.Errors[1].Line)
	assert.Equal(t, ingest.Counts{Read: 4, Valid: 2, Skipped: 2}, counts)
}

func TestCoordinator_ValidateStopsOnFatalKey(t *testing.T) {
	c := newCoordinator(ingest.Config{})
	counts, err := c.Validate(context.Background(), "keys.csv", stream("CODE;NAME\n1;\n0;B\n3;\n"))

	var fe *ingest.RowFatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Err.Line)
	assert.Equal(t, int64(2), counts.Read)
}

func TestCoordinator_RecordsFailFastOnNegativeKey(t *testing.T) {
	c := newCoordinator(ingest.Config{Mode: ingest.ModeSkip})
	imp, err := c.Open(context.Background(), "neg.csv", stream("CODE;NAME\n1;A\n-1;B\n2;C\n"))
	require.NoError(t, err)

	var (
		got     []entity.Record
		lastErr error
	)
	for r, err := range imp.Records() {
		if err != nil {
			lastErr = err
			continue
		}
		got = append(got, r)
	}
	var fe *ingest.RowFatalError
	require.True(t, errors.As(lastErr, &fe))
	assert.Len(t, got, 1)
}

func TestCoordinator_SkipModeCountsInvalidRows(t *testing.T) {
	obs := &recordingObserver{}
	c := newCoordinator(ingest.Config{Mode: ingest.ModeSkip})
	imp, err := c.Open(context.Background(), "skip.csv", stream("CODE;NAME\n1;A\n2;\n3;C\n"))
	require.NoError(t, err)
	imp.Observe(obs)

	got := collect(t, imp.Records())
	assert.Len(t, got, 2)
	assert.Equal(t, ingest.Counts{Read: 3, Valid: 2, Skipped: 1, Emitted: 2}, imp.Counts())
	assert.Equal(t, []int{2, 3, 4}, obs.read)
	assert.Equal(t, []int{3}, obs.skipped)
}

func TestCoordinator_SkipLimit(t *testing.T) {
	c := newCoordinator(ingest.Config{Mode: ingest.ModeSkip, SkipLimit: 1})
	imp, err := c.Open(context.Background(), "limit.csv", stream("CODE;NAME\n1;\n2;\n3;C\n"))
	require.NoError(t, err)

	var lastErr error
	for _, err := range imp.Records() {
		lastErr = err
	}
	assert.ErrorIs(t, lastErr, ingest.ErrSkipLimitExceeded)
	var agg *ingest.AggregatedValidationError
	assert.True(t, errors.As(lastErr, &agg))
}

func TestCoordinator_AggregateModeRecordsStopAtInvalidRow(t *testing.T) {
	c := newCoordinator(ingest.Config{})
	imp, err := c.Open(context.Background(), "bad.csv", stream("CODE;NAME\n1;A\n2;\n"))
	require.NoError(t, err)

	var lastErr error
	for _, err := range imp.Records() {
		lastErr = err
	}
	var agg *ingest.AggregatedValidationError
	require.True(t, errors.As(lastErr, &agg))
	assert.Equal(t, "NAME", agg.Errors[0].Column)
}

func TestCoordinator_ReadFailureIsInfrastructure(t *testing.T) {
	boom := errors.New("disk gone")
	src := &failAfterHeader{data: "CODE;NAME\n", err: boom}
	c := newCoordinator(ingest.Config{})
	imp, err := c.Open(context.Background(), "broken.csv", src)
	require.NoError(t, err)

	var lastErr error
	for _, err := range imp.Records() {
		lastErr = err
	}
	var ie *ingest.InfrastructureError
	require.True(t, errors.As(lastErr, &ie))
	assert.Equal(t, "broken.csv", ie.Filename)
	assert.ErrorIs(t, lastErr, boom)
	assert.False(t, ingest.IsDataError(lastErr))
	assert.True(t, src.closed)
}

func TestCoordinator_StrayQuoteIsDataNotReadError(t *testing.T) {
	c := newCoordinator(ingest.Config{})
	imp, err := c.Open(context.Background(), "quotes.csv", stream("CODE;NAME\n1;A\"B\n2;B\n"))
	require.NoError(t, err)

	got := collect(t, imp.Records())
	require.Len(t, got, 2)
	assert.Equal(t, `A"B`, got[0].Name())
	assert.Equal(t, ingest.Counts{Read: 2, Valid: 2, Emitted: 2}, imp.Counts())
}

func TestCoordinator_EarlyBreakClosesStream(t *testing.T) {
	src := stream("CODE;NAME\n1;A\n2;B\n3;C\n")
	c := newCoordinator(ingest.Config{Strategy: ingest.Parallel(2)})
	imp, err := c.Open(context.Background(), "many.csv", src)
	require.NoError(t, err)

	for _, err := range imp.Records() {
		require.NoError(t, err)
		break
	}
	assert.Equal(t, 1, src.closes)
	require.NoError(t, imp.Close())
	assert.Equal(t, 1, src.closes)
}

func TestCoordinator_BlankLinesIgnored(t *testing.T) {
	c := newCoordinator(ingest.Config{})
	imp, err := c.Open(context.Background(), "blank.csv", stream("CODE;NAME\n1;A\n;\n2;B\n"))
	require.NoError(t, err)
	assert.Len(t, collect(t, imp.Records()), 2)
	assert.Equal(t, int64(2), imp.Counts().Read)
}

type failAfterHeader struct {
	data   string
	err    error
	served bool
	closed bool
}

func (f *failAfterHeader) Read(p []byte) (int, error) {
	if !f.served {
		f.served = true
		return copy(p, f.data), nil
	}
	return 0, f.err
}

func (f *failAfterHeader) Close() error {
	f.closed = true
	return nil
}

func TestParseValidationMode(t *testing.T) {
	m, err := ingest.ParseValidationMode(" SKIP ")
	require.NoError(t, err)
	assert.Equal(t, ingest.ModeSkip, m)
	m, err = ingest.ParseValidationMode("")
	require.NoError(t, err)
	assert.Equal(t, ingest.ModeAggregate, m)
	_, err = ingest.ParseValidationMode("lenient")
	assert.True(t, strings.Contains(err.Error(), "lenient"))
}
