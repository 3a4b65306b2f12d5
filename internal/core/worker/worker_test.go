package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"tango/internal/core/job"
	"tango/internal/core/pool"
	"tango/internal/core/queue"
	"tango/internal/notify"
	"tango/internal/vmms"
)

// scriptedDriver is a fake vmms.Driver whose RunJob/WaitVM/CopyIn/CopyOut
// behavior is set per test, grounded on the teacher's sandbox runner test
// doubles (services/judge_service/tests/sandbox/worker_test.go).
type scriptedDriver struct {
	mu            sync.Mutex
	waitErr       error
	waitFailCount int // WaitVM fails this many times with a transient error, then defers to waitErr
	copyInErr     error
	runResult     vmms.RunResult
	runErr        error
	copyOutErr    error
	runOutput     string
	panicOnRun    bool
	destroyed     []string
}

func (d *scriptedDriver) InitializeVM(ctx context.Context, image string) (*vmms.VM, error) {
	return &vmms.VM{ID: "replacement", Image: image, KeepAlive: true}, nil
}
func (d *scriptedDriver) WaitVM(ctx context.Context, vm *vmms.VM, maxWait time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waitFailCount > 0 {
		d.waitFailCount--
		return fmt.Errorf("not ready yet")
	}
	return d.waitErr
}
func (d *scriptedDriver) CopyIn(ctx context.Context, vm *vmms.VM, files []vmms.InputFile) error {
	return d.copyInErr
}
func (d *scriptedDriver) RunJob(ctx context.Context, vm *vmms.VM, runtimeLimit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	if d.panicOnRun {
		panic("simulated worker crash")
	}
	if d.runOutput != "" {
		_, _ = sink.Write([]byte(d.runOutput))
	}
	return d.runResult, d.runErr
}
func (d *scriptedDriver) CopyOut(ctx context.Context, vm *vmms.VM, dest string) error {
	return d.copyOutErr
}
func (d *scriptedDriver) DestroyVM(ctx context.Context, vm *vmms.VM) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, vm.ID)
	return nil
}
func (d *scriptedDriver) SafeDestroyVM(ctx context.Context, vm *vmms.VM) error {
	return d.DestroyVM(ctx, vm)
}
func (d *scriptedDriver) GetVMs(ctx context.Context) ([]*vmms.VM, error)     { return nil, nil }
func (d *scriptedDriver) ExistsVM(ctx context.Context, vm *vmms.VM) (bool, error) {
	return true, nil
}
func (d *scriptedDriver) GetImages(ctx context.Context) ([]string, error) { return nil, nil }

// fakeRecorder captures the job passed to Record, for asserting the
// worker->Recorder wiring without a real tracelog.Store.
type fakeRecorder struct {
	mu       sync.Mutex
	recorded []job.ID
	err      error
}

func (r *fakeRecorder) Record(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, j.ID)
	return r.err
}

func liveJob(q *queue.Queue, image string) *job.Job {
	j := &job.Job{Image: image, MaxOutput: 1 << 10, Timeout: time.Second}
	q.Add(j)
	return j
}

func TestWorkerRunHappyPathReachesDone(t *testing.T) {
	driver := &scriptedDriver{runResult: vmms.RunResult{Flag: vmms.RunNormal}, runOutput: "hello"}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc") // claim it the way the Job Manager would before assigning
	recorder := &fakeRecorder{}
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, recorder, j, vm)

	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected state DONE, got %s", w.State())
	}
	if string(j.Output) != "hello" {
		t.Fatalf("expected captured output %q, got %q", "hello", j.Output)
	}
	dead, ok := q.Get(j.ID)
	if !ok || dead.State != job.Dead {
		t.Fatalf("expected job to be dead after Run, got state=%v ok=%v", dead, ok)
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0] != j.ID {
		t.Fatalf("expected recorder to be called once with job %d, got %v", j.ID, recorder.recorded)
	}
}

func TestWorkerRunCopyInFailureMarksFailed(t *testing.T) {
	driver := &scriptedDriver{copyInErr: fmt.Errorf("disk full")}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected state FAILED, got %s", w.State())
	}
	if j.FailCause != job.FailCopyIn {
		t.Fatalf("expected fail cause %q, got %q", job.FailCopyIn, j.FailCause)
	}
}

func TestWorkerRunWithNilRecorderSkipsPersistence(t *testing.T) {
	driver := &scriptedDriver{runResult: vmms.RunResult{Flag: vmms.RunNormal}}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	// must not panic with a nil Recorder
	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected state DONE, got %s", w.State())
	}
}

func TestWorkerRunReadyTimeoutExhaustsRetryBudget(t *testing.T) {
	driver := &scriptedDriver{waitErr: fmt.Errorf("not ready")}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Millisecond, ReadyRetryBudget: 0, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected state FAILED, got %s", w.State())
	}
	if j.FailCause != job.FailReadyTimeout {
		t.Fatalf("expected fail cause %q, got %q", job.FailReadyTimeout, j.FailCause)
	}
}

func TestWorkerRunPreemptedBeforeWaitReady(t *testing.T) {
	driver := &scriptedDriver{}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	j.Cancelled = true
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background())

	if w.State() != StateFailed || j.FailCause != job.FailCancelled {
		t.Fatalf("expected preempted job to fail with cause %q, got state=%s cause=%q", job.FailCancelled, w.State(), j.FailCause)
	}
}

func TestWorkerRunWaitReadyRetryExhaustionDoesNotLeakVMInPool(t *testing.T) {
	driver := &scriptedDriver{waitErr: fmt.Errorf("not ready")}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Millisecond, ReadyRetryBudget: 0, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background())

	if w.State() != StateFailed {
		t.Fatalf("expected state FAILED, got %s", w.State())
	}
	if snap := p.GetPool("gcc"); snap.Total != 0 {
		t.Fatalf("expected the failed VM removed from pool.total instead of leaking forever, got total=%d", snap.Total)
	}
}

func TestWorkerRunWaitReadyRetryUsesWarmReplacementFromPool(t *testing.T) {
	driver := &scriptedDriver{waitFailCount: 1}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	failing := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	warm := &vmms.VM{ID: "vm-2", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(failing)
	p.AddVM(warm)
	p.Update(context.Background(), "gcc", 2) // both VMs are the pool's target, so release keeps the warm one
	p.AllocVM("gcc") // claims "vm-1" the way the Job Manager would
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, failing)

	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected state DONE after recovering onto the warm replacement, got %s", w.State())
	}
	if len(driver.destroyed) != 1 || driver.destroyed[0] != "vm-1" {
		t.Fatalf("expected only the failed VM destroyed, got %v", driver.destroyed)
	}
}

func TestWorkerRunWaitReadyRetryCreatesFreshVMWhenPoolEmpty(t *testing.T) {
	driver := &scriptedDriver{waitFailCount: 1}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.Update(context.Background(), "gcc", 1) // a pool of one, so release keeps the replacement
	p.AllocVM("gcc") // only VM for this image; free list is now empty
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background())

	if w.State() != StateDone {
		t.Fatalf("expected state DONE via a freshly created replacement VM, got %s", w.State())
	}
	if snap := p.GetPool("gcc"); snap.Total != 1 {
		t.Fatalf("expected pool.total to settle back at one VM, got %d", snap.Total)
	}
}

func TestWorkerRunRecoversFromPanicLeavingJobLive(t *testing.T) {
	driver := &scriptedDriver{panicOnRun: true}
	q := queue.New(10, false)
	j := liveJob(q, "gcc")
	vm := &vmms.VM{ID: "vm-1", Image: "gcc", KeepAlive: true}
	p := pool.New(driver, 1)
	p.AddVM(vm)
	p.AllocVM("gcc")
	notifier := notify.New(notify.Config{})
	w := New(Config{ReadyTimeout: time.Second, ReadyRetryBudget: 1, CopyOutTimeout: time.Second}, driver, q, p, notifier, nil, j, vm)

	w.Run(context.Background()) // must recover instead of crashing the test process

	if j.State != job.Live {
		t.Fatalf("expected a panicked stage to leave the job live for the manager to reap, got state=%v", j.State)
	}
	select {
	case <-w.Alive():
	default:
		t.Fatalf("expected Alive() to close after Run returns, even on a recovered panic")
	}
}

func TestBoundedSinkTruncatesPastLimit(t *testing.T) {
	sink := newBoundedSink(5)
	n, err := sink.Write([]byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len("hello world") {
		t.Fatalf("expected Write to report the full length even when truncating, got %d", n)
	}
	if string(sink.Bytes()) != "hello" {
		t.Fatalf("expected buffer capped at the limit, got %q", sink.Bytes())
	}
	if !sink.truncated {
		t.Fatalf("expected truncated flag to be set")
	}
}
