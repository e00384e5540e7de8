package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "TrustNet-Chain/internal/errors"
	"TrustNet-Chain/internal/observability/alerting"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, evt alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}

func startProcessor(t *testing.T, opts []ServiceOption, popts ...ProcessorOption) (*Service, *MemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, opts...)
	processor := NewProcessor(service, queue, popts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return service, queue
}

func waitFor(t *testing.T, service *Service, id string) *Operation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("operation %s did not complete: %v", id, err)
	}
	return op
}

func TestProcessorHandlesConcurrentOperations(t *testing.T) {
	service, _ := startProcessor(t, nil, WithWorkerCount(8))
	var processed atomic.Int32

	total := 100
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		hash := fmt.Sprintf("0x%02x", i)
		op, err := service.Submit(context.Background(), Request{
			Kind:    KindReferenceAdd,
			Address: "0xabc",
			Job: JobFunc(func(ctx context.Context) (*Result, error) {
				processed.Add(1)
				return &Result{TxHashes: []string{hash}}, nil
			}),
		})
		if err != nil {
			t.Fatalf("提交操作失败: %v", err)
		}
		ids = append(ids, op.ID)
	}
	for _, id := range ids {
		if op := waitFor(t, service, id); op.Status != StatusSucceeded || len(op.Result.TxHashes) != 1 {
			t.Fatalf("unexpected operation %+v", op)
		}
	}
	if int(processed.Load()) != total {
		t.Fatalf("expected %d executions, got %d", total, processed.Load())
	}
	stats, err := service.Stats(context.Background())
	if err != nil || stats.Succeeded != total {
		t.Fatalf("unexpected stats %+v, %v", stats, err)
	}
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	service, _ := startProcessor(t, []ServiceOption{WithMaxRetries(3)})
	var calls atomic.Int32

	op, err := service.Submit(context.Background(), Request{
		Kind: KindScoreRun,
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			if calls.Add(1) < 3 {
				return nil, xerrors.New(xerrors.CodeTimeout, "")
			}
			return &Result{}, nil
		}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, service, op.ID)
	if final.Status != StatusSucceeded || final.Attempts != 3 {
		t.Fatalf("unexpected final state %+v", final)
	}
}

func TestProcessorNeverReexecutesAfterLedgerEffects(t *testing.T) {
	alerts := &recordingDispatcher{}
	service, _ := startProcessor(t, []ServiceOption{WithMaxRetries(3)}, WithAlertDispatcher(alerts))
	var calls atomic.Int32

	partialErr := xerrors.New("PARTIAL_COMMIT", "", xerrors.WithRetryable(true), xerrors.WithAlert(true),
		xerrors.WithMetadata("digest", "bafk"))
	op, err := service.Submit(context.Background(), Request{
		Kind:    KindScoreRun,
		Address: "0xabc",
		Job: JobFunc(func(ctx context.Context) (*Result, error) {
			calls.Add(1)
			return &Result{TxHashes: []string{"0x01"}, Partial: &PartialCommit{Details: []byte(`{"a":1}`)}}, partialErr
		}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitFor(t, service, op.ID)
	if final.Status != StatusFailed || final.ErrorCode != "PARTIAL_COMMIT" {
		t.Fatalf("unexpected final state %+v", final)
	}
	if final.Result == nil || final.Result.Partial == nil || final.Result.TxHashes[0] != "0x01" {
		t.Fatalf("partial result not recorded: %+v", final.Result)
	}
	if calls.Load() != 1 {
		t.Fatalf("job re-executed %d times", calls.Load())
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].OperationID != op.ID || events[0].Metadata["digest"] != "bafk" {
		t.Fatalf("unexpected alerts %+v", events)
	}
	if events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected terminal stage, got %q", events[0].Metadata["stage"])
	}
}

func TestProcessorFailsOrphanedOperations(t *testing.T) {
	service, queue := startProcessor(t, nil)
	ctx := context.Background()

	orphan := &Operation{ID: "orphan", Kind: KindScoreRun, Status: StatusPending, MaxRetries: 1}
	if err := service.store.Create(ctx, orphan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := queue.Publish(ctx, orphan.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	final := waitFor(t, service, orphan.ID)
	if final.ErrorCode != string(CodeOperationOrphaned) {
		t.Fatalf("unexpected final state %+v", final)
	}
}

func TestLatestReturnsMostRecentSubmission(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(8))
	ctx := context.Background()
	noop := JobFunc(func(context.Context) (*Result, error) { return nil, nil })

	none, err := service.Latest(ctx, "0xabc")
	if err != nil || none != nil {
		t.Fatalf("expected no operation, got %+v, %v", none, err)
	}
	first, _ := service.Submit(ctx, Request{Kind: KindScoreRun, Address: "0xAbc", Job: noop})
	second, _ := service.Submit(ctx, Request{Kind: KindReferenceAdd, Address: "0xabc", Job: noop})
	_, _ = service.Submit(ctx, Request{Kind: KindScoreRun, Address: "0xdef", Job: noop})

	latest, err := service.Latest(ctx, "0xABC")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || latest.ID == first.ID {
		t.Fatalf("expected %s, got %s", second.ID, latest.ID)
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(8))
	if _, err := service.Submit(context.Background(), Request{Kind: "mine_bitcoin", Job: JobFunc(nil)}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(context.Background(), Request{Kind: KindScoreRun}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProcessorSkipsRedeliveredRunningOperation(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(8)
	service := NewService(NewMemoryStore(), queue)
	alerts := &recordingDispatcher{}
	processor := NewProcessor(service, queue, WithAlertDispatcher(alerts))

	op, err := service.Submit(ctx, Request{
		Kind:    KindScoreRun,
		Address: "0xabc",
		Job:     JobFunc(func(context.Context) (*Result, error) { return nil, nil }),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.store.Claim(ctx, op.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := processor.handle(ctx, op.ID); err != nil {
		t.Fatalf("redelivery of a running operation must be acknowledged, got %v", err)
	}
	if events := alerts.snapshot(); len(events) != 0 {
		t.Fatalf("unexpected alerts %+v", events)
	}
	if _, ok := service.job(op.ID); !ok {
		t.Fatalf("job of the running operation was released")
	}
}

type markFailedErrorStore struct {
	*MemoryStore
}

func (s markFailedErrorStore) MarkFailed(context.Context, string, Failure) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestProcessorReleasesJobWhenMarkFailedFails(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(8)
	service := NewService(markFailedErrorStore{NewMemoryStore()}, queue)
	alerts := &recordingDispatcher{}
	processor := NewProcessor(service, queue, WithAlertDispatcher(alerts))

	op, err := service.Submit(ctx, Request{
		Kind:    KindReferenceAdd,
		Address: "0xabc",
		Job: JobFunc(func(context.Context) (*Result, error) {
			return nil, errors.New("reverted")
		}),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := processor.handle(ctx, op.ID); err != nil {
		t.Fatalf("handle should not ask for redelivery, got %v", err)
	}
	if _, ok := service.job(op.ID); ok {
		t.Fatalf("job still registered after failed bookkeeping")
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Metadata["stage"] != "mark_failed" {
		t.Fatalf("expected one mark_failed alert, got %+v", events)
	}

	// 状态停留在 running，再次投递只会被跳过。
	if err := processor.handle(ctx, op.ID); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := len(alerts.snapshot()); got != 1 {
		t.Fatalf("redelivery raised %d alerts", got)
	}
}
