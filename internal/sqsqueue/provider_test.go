package sqsqueue

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"queue-abstraction/internal/jobs"
)

const (
	testQueueURL = "https://sqs.test/123/main"
	testDLQURL   = "https://sqs.test/123/main-dlq"
)

// fakeSQS implements Client with in-memory queues keyed by URL. It
// models visibility: received messages move to an in-flight table and
// only return to the visible list on a visibility reset.
type fakeSQS struct {
	mu       sync.Mutex
	visible  map[string][]types.Message
	inflight map[string]map[string]types.Message // url -> receipt -> message
	receives map[string]int                      // message id -> receive count
	sends    []*sqs.SendMessageInput
	deleted  []string // message ids removed via DeleteMessage
	calls    int
	sendErr  error
	nextSeq  int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{
		visible:  map[string][]types.Message{},
		inflight: map[string]map[string]types.Message{},
		receives: map[string]int{},
	}
}

func (f *fakeSQS) push(url string, msg types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible[url] = append(f.visible[url], msg)
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, params)
	f.nextSeq++
	id := fmt.Sprintf("m-%d", f.nextSeq)
	f.visible[*params.QueueUrl] = append(f.visible[*params.QueueUrl], types.Message{
		MessageId:         aws.String(id),
		Body:              params.MessageBody,
		MessageAttributes: params.MessageAttributes,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	url := *params.QueueUrl
	n := int(params.MaxNumberOfMessages)
	if n > len(f.visible[url]) {
		n = len(f.visible[url])
	}
	batch := f.visible[url][:n]
	f.visible[url] = f.visible[url][n:]

	out := make([]types.Message, 0, n)
	for _, msg := range batch {
		id := aws.ToString(msg.MessageId)
		f.receives[id]++
		f.nextSeq++
		receipt := fmt.Sprintf("r-%s-%d", id, f.nextSeq)
		msg.ReceiptHandle = aws.String(receipt)
		msg.Attributes = map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(f.receives[id]),
		}
		if f.inflight[url] == nil {
			f.inflight[url] = map[string]types.Message{}
		}
		f.inflight[url][receipt] = msg
		out = append(out, msg)
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	url := *params.QueueUrl
	receipt := *params.ReceiptHandle
	msg, ok := f.inflight[url][receipt]
	if !ok {
		return nil, &types.ReceiptHandleIsInvalid{}
	}
	delete(f.inflight[url], receipt)
	f.deleted = append(f.deleted, aws.ToString(msg.MessageId))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	url := *params.QueueUrl
	receipt := *params.ReceiptHandle
	msg, ok := f.inflight[url][receipt]
	if !ok {
		return nil, &types.ReceiptHandleIsInvalid{}
	}
	if params.VisibilityTimeout == 0 {
		delete(f.inflight[url], receipt)
		msg.ReceiptHandle = nil
		f.visible[url] = append(f.visible[url], msg)
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	url := *params.QueueUrl
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages):           strconv.Itoa(len(f.visible[url])),
		string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): strconv.Itoa(len(f.inflight[url])),
		string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed):    "0",
	}}, nil
}

func (f *fakeSQS) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
}

func (f *fakeSQS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestProvider(f *fakeSQS) *Provider {
	return NewProvider(f, "orders", testQueueURL, testDLQURL, log.New(&bytes.Buffer{}, "", 0))
}

func testJob(id string) *jobs.Job {
	return &jobs.Job{
		ID:          id,
		Name:        "send-email",
		QueueName:   "orders",
		Data:        map[string]any{"to": "user@example.com"},
		Status:      jobs.StatusWaiting,
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
}

// seedMessage enqueues a well-formed message directly into the fake.
func seedMessage(f *fakeSQS, url, jobID string) {
	body, attrs, qerr := encodeEnvelope(testJob(jobID))
	if qerr != nil {
		panic(qerr)
	}
	f.nextSeq++
	f.push(url, types.Message{
		MessageId:         aws.String("m-" + jobID),
		Body:              aws.String(body),
		MessageAttributes: attrs,
	})
}

func TestAddSendsEnvelopeAndAttributes(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	if err := p.Add(context.Background(), testJob("j1"), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(f.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(f.sends))
	}
	sent := f.sends[0]
	if !strings.Contains(*sent.MessageBody, `"_jobData"`) {
		t.Fatalf("body missing envelope wrapper: %s", *sent.MessageBody)
	}
	if got := *sent.MessageAttributes[attrJobID].StringValue; got != "j1" {
		t.Fatalf("job.id attribute = %q", got)
	}
	if got := *sent.MessageAttributes[attrMaxAttempts].StringValue; got != "3" {
		t.Fatalf("job.maxAttempts attribute = %q", got)
	}
	if sent.DelaySeconds != 0 {
		t.Fatalf("unexpected delay %d", sent.DelaySeconds)
	}
}

func TestAddFiveMinuteDelay(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := testJob("j1")
	at := time.Now().Add(5 * time.Minute)
	job.ScheduledFor = &at
	job.Status = jobs.StatusDelayed

	if err := p.Add(context.Background(), job, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	delay := f.sends[0].DelaySeconds
	if delay < 299 || delay > 300 {
		t.Fatalf("expected delay of ~300s, got %d", delay)
	}
	if job.Status != jobs.StatusDelayed {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestAddSubSecondDelaySendsNoDelay(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := testJob("j1")
	at := time.Now().Add(500 * time.Millisecond)
	job.ScheduledFor = &at
	job.Status = jobs.StatusDelayed

	if err := p.Add(context.Background(), job, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	// SQS has no sub-second granularity: no delay on the wire, but the
	// job keeps its delayed status.
	if f.sends[0].DelaySeconds != 0 {
		t.Fatalf("expected no delay field, got %d", f.sends[0].DelaySeconds)
	}
	if job.Status != jobs.StatusDelayed {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestAddDelayBeyondCeilingRejectedBeforeSend(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := testJob("j1")
	at := time.Now().Add(16 * time.Minute)
	job.ScheduledFor = &at

	err := p.Add(context.Background(), job, nil)
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Category != jobs.CategoryData || qe.Code != jobs.CodeValidation {
		t.Fatalf("expected data/VALIDATION, got %v", err)
	}
	if f.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", f.callCount())
	}
}

func TestAddOversizePayloadRejectedBeforeSend(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := testJob("j1")
	job.Data = strings.Repeat("x", maxMessageBytes+1)

	err := p.Add(context.Background(), job, nil)
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Code != jobs.CodeValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
	if !strings.Contains(qe.Message, "bytes") {
		t.Fatalf("message should carry the measured size: %s", qe.Message)
	}
	if f.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", f.callCount())
	}
}

func TestAddUnserializablePayload(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := testJob("j1")
	job.Data = map[string]any{"ch": make(chan int)}

	err := p.Add(context.Background(), job, nil)
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Code != jobs.CodeSerialization {
		t.Fatalf("expected SERIALIZATION, got %v", err)
	}
	if f.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", f.callCount())
	}
}

func TestProviderOptionsAllowlist(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	err := p.Add(context.Background(), testJob("j1"), map[string]string{
		"MessageGroupId": "group-a",
		"QueueUrl":       "https://evil.example/steal",
		"MessageBody":    "overwritten",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	sent := f.sends[0]
	if aws.ToString(sent.MessageGroupId) != "group-a" {
		t.Fatalf("allowed key did not pass through: %v", sent.MessageGroupId)
	}
	if aws.ToString(sent.QueueUrl) != testQueueURL {
		t.Fatalf("protected QueueUrl was overridden: %s", aws.ToString(sent.QueueUrl))
	}
	if strings.Contains(aws.ToString(sent.MessageBody), "overwritten") {
		t.Fatalf("protected MessageBody was overridden")
	}
}

func TestFetchDerivesAttemptsFromReceiveCount(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")

	batch, err := p.Fetch(context.Background(), 1, 0)
	if err != nil || len(batch) != 1 {
		t.Fatalf("fetch: %v (%d jobs)", err, len(batch))
	}
	if batch[0].Attempts != 0 {
		t.Fatalf("first delivery attempts = %d", batch[0].Attempts)
	}

	if err := p.Nack(context.Background(), batch[0], fmt.Errorf("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	batch, err = p.Fetch(context.Background(), 1, 0)
	if err != nil || len(batch) != 1 {
		t.Fatalf("refetch: %v (%d jobs)", err, len(batch))
	}
	if batch[0].Attempts != 1 {
		t.Fatalf("second delivery attempts = %d", batch[0].Attempts)
	}
}

func TestAckRemovesMessageForGood(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")

	batch, _ := p.Fetch(context.Background(), 1, 0)
	if err := p.Ack(context.Background(), batch[0]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	again, err := p.Fetch(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("acked job came back: %v", again[0].ID)
	}
}

func TestNackMakesJobVisibleAgain(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")

	batch, _ := p.Fetch(context.Background(), 1, 0)
	if err := p.Nack(context.Background(), batch[0], fmt.Errorf("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	again, err := p.Fetch(context.Background(), 1, 0)
	if err != nil || len(again) != 1 {
		t.Fatalf("expected redelivery, got %v (%d)", err, len(again))
	}
	if again[0].ID != "j1" {
		t.Fatalf("redelivered wrong job: %s", again[0].ID)
	}
}

func TestAckWithoutLeaseToken(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)

	job := &jobs.ActiveJob{Job: *testJob("j1"), ProviderMetadata: map[string]string{}}
	err := p.Ack(context.Background(), job)
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Category != jobs.CategoryRuntime || qe.Code != jobs.CodeProcessing {
		t.Fatalf("expected runtime/PROCESSING, got %v", err)
	}
	if qe.Retryable {
		t.Fatalf("missing lease must not be retryable")
	}
	if f.callCount() != 0 {
		t.Fatalf("expected no network call, got %d", f.callCount())
	}
}

func TestConcurrentFetchNoDuplicates(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	for i := 0; i < 15; i++ {
		seedMessage(f, testQueueURL, fmt.Sprintf("j%d", i))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := p.Fetch(context.Background(), 5, 0)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			mu.Lock()
			for _, job := range batch {
				seen[job.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) > 15 {
		t.Fatalf("union larger than available jobs: %d", len(seen))
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("job %s delivered %d times while leased", id, n)
		}
	}
}

func TestFetchIsolatesPoisonPill(t *testing.T) {
	f := newFakeSQS()
	var logs bytes.Buffer
	p := NewProvider(f, "orders", testQueueURL, testDLQURL, log.New(&logs, "", 0))

	seedMessage(f, testQueueURL, "j1")
	f.push(testQueueURL, types.Message{
		MessageId: aws.String("m-poison"),
		Body:      aws.String("{not valid json"),
		MessageAttributes: map[string]types.MessageAttributeValue{
			attrJobID: stringAttr("poison"),
		},
	})
	seedMessage(f, testQueueURL, "j3")

	batch, err := p.Fetch(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "j1" || batch[1].ID != "j3" {
		got := make([]string, 0, len(batch))
		for _, j := range batch {
			got = append(got, j.ID)
		}
		t.Fatalf("expected [j1 j3], got %v", got)
	}
	if !strings.Contains(logs.String(), "m-poison") {
		t.Fatalf("poison message id not logged: %s", logs.String())
	}
	// Live-queue poison pills are deleted so they cannot loop.
	found := false
	for _, id := range f.deleted {
		if id == "m-poison" {
			found = true
		}
	}
	if !found {
		t.Fatalf("poison pill was not deleted from the live queue: %v", f.deleted)
	}
}

func TestFetchWhilePaused(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")

	if err := p.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	batch, err := p.Fetch(context.Background(), 1, 0)
	if err != nil || len(batch) != 0 {
		t.Fatalf("paused fetch should return nothing, got %v (%d)", err, len(batch))
	}
	if err := p.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	batch, _ = p.Fetch(context.Background(), 1, 0)
	if len(batch) != 1 {
		t.Fatalf("resume did not restore fetch")
	}
}

func TestShutdownGatesEveryOperation(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")
	batch, _ := p.Fetch(context.Background(), 1, 0)
	before := f.callCount()

	if err := p.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	ctx := context.Background()
	checks := map[string]error{
		"add":   p.Add(ctx, testJob("j2"), nil),
		"ack":   p.Ack(ctx, batch[0]),
		"nack":  p.Nack(ctx, batch[0], fmt.Errorf("boom")),
		"pause": p.Pause(ctx),
	}
	if _, err := p.Fetch(ctx, 1, 0); err == nil {
		t.Fatalf("fetch after disconnect should fail")
	} else {
		checks["fetch"] = err
	}
	if _, err := p.Stats(ctx); err == nil {
		t.Fatalf("stats after disconnect should fail")
	} else {
		checks["getStats"] = err
	}
	if _, err := p.DLQJobs(ctx, 5); err == nil {
		t.Fatalf("dlq read after disconnect should fail")
	} else {
		checks["getDLQJobs"] = err
	}

	for op, err := range checks {
		qe, ok := jobs.AsQueueError(err)
		if !ok || qe.Code != jobs.CodeShutdown || qe.Retryable {
			t.Fatalf("%s: expected non-retryable SHUTDOWN, got %v", op, err)
		}
	}
	if f.callCount() != before {
		t.Fatalf("network calls performed after shutdown: %d -> %d", before, f.callCount())
	}
}

func TestStatsReadsApproximateCounters(t *testing.T) {
	f := newFakeSQS()
	p := newTestProvider(f)
	seedMessage(f, testQueueURL, "j1")
	seedMessage(f, testQueueURL, "j2")

	stats, err := p.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 2 || stats.QueueDepth != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetJobHasNoLookup(t *testing.T) {
	p := newTestProvider(newFakeSQS())
	job, err := p.GetJob(context.Background(), "j1")
	if err != nil || job != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", job, err)
	}
}

func TestDeleteIsAdministrative(t *testing.T) {
	p := newTestProvider(newFakeSQS())
	err := p.Delete(context.Background())
	qe, ok := jobs.AsQueueError(err)
	if !ok || qe.Code != jobs.CodeUnsupportedFeature {
		t.Fatalf("expected UNSUPPORTED_FEATURE, got %v", err)
	}
}
