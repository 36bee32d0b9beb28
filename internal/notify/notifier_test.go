package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"import-worker-service/internal/entity"
	"import-worker-service/internal/notify"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	sent []entity.Notification
	fail map[string]bool
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, n entity.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[key] {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.sent = append(p.sent, n)
	return nil
}

func job(status entity.JobStatus) entity.Job {
	return entity.Job{
		ID:       uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		OwnerID:  "u1",
		Filename: "schools.csv",
		Status:   status,
	}
}

func TestNotifier_Destinations(t *testing.T) {
	pub := &recordingPublisher{}
	n := notify.New(pub, nil)

	n.Notify(context.Background(), job(entity.StatusPending), "")
	assert.Equal(t, []string{"jobs.11111111-1111-1111-1111-111111111111", "users.u1.jobs"}, pub.keys)

	pub.keys = nil
	n.Notify(context.Background(), job(entity.StatusRunning), "")
	assert.Equal(t, []string{
		"jobs.11111111-1111-1111-1111-111111111111",
		"users.u1.jobs",
		"users.u1.progress",
	}, pub.keys)
}

func TestNotifier_PublishErrorsAreSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &recordingPublisher{fail: map[string]bool{"users.u1.jobs": true}}
	n := notify.New(pub, zap.New(core))

	n.Notify(context.Background(), job(entity.StatusRunning), "halfway")

	assert.Equal(t, []string{"jobs.11111111-1111-1111-1111-111111111111", "users.u1.progress"}, pub.keys)
	assert.Equal(t, 1, logs.FilterMessage("publish notification").Len())
	assert.Equal(t, "halfway", pub.sent[0].Message)
}

func TestSnapshot_SeverityAndMessage(t *testing.T) {
	n := notify.New(&recordingPublisher{}, nil)

	done := job(entity.StatusCompleted)
	done.TotalRecords, done.ProcessedRecords = 3, 3
	s := n.Snapshot(done, "")
	assert.Equal(t, entity.SeveritySuccess, s.Severity)
	assert.Equal(t, "Imported 3 records from schools.csv", s.Message)
	assert.False(t, s.Timestamp.IsZero())

	done.ErrorRecords = 1
	assert.Equal(t, entity.SeverityWarning, n.Snapshot(done, "").Severity)

	failed := job(entity.StatusFailed)
	reason := `Schema error in step "import": missing columns: NAME`
	failed.Error = &reason
	s = n.Snapshot(failed, "")
	assert.Equal(t, entity.SeverityError, s.Severity)
	assert.Contains(t, s.Message, "missing columns: NAME")

	assert.Equal(t, entity.SeverityInfo, n.Snapshot(job(entity.StatusPending), "").Severity)
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("1")}, nil
}

func TestSNSPublisher_DestinationAttribute(t *testing.T) {
	api := &fakeSNS{}
	n := notify.New(notify.NewSNSPublisher(api, "arn:aws:sns:us-east-1:000000000000:imports"), nil)

	n.Notify(context.Background(), job(entity.StatusRunning), "")
	require.Len(t, api.inputs, 3)

	in := api.inputs[2]
	assert.Equal(t, "users.u1.progress", aws.ToString(in.MessageAttributes["destination"].StringValue))
	assert.Equal(t, "String", aws.ToString(in.MessageAttributes["destination"].DataType))

	var got entity.Notification
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &got))
	assert.Equal(t, entity.StatusRunning, got.Status)
	assert.Equal(t, "u1", got.UserID)
}
