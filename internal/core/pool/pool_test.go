package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tango/internal/vmms"
)

// fakeDriver is a minimal in-memory vmms.Driver double, grounded on the
// same fake-dependency-over-mock-framework style the teacher uses for its
// mq.Queue test doubles.
type fakeDriver struct {
	mu        sync.Mutex
	nextID    int64
	destroyed []string
	failNext  int32 // InitializeVM fails this many times before succeeding
}

func (f *fakeDriver) InitializeVM(ctx context.Context, image string) (*vmms.VM, error) {
	if atomic.LoadInt32(&f.failNext) > 0 {
		atomic.AddInt32(&f.failNext, -1)
		return nil, fmt.Errorf("simulated create failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &vmms.VM{ID: fmt.Sprintf("vm-%d", f.nextID), Image: image, KeepAlive: true}, nil
}

func (f *fakeDriver) WaitVM(ctx context.Context, vm *vmms.VM, maxWait time.Duration) error {
	return nil
}
func (f *fakeDriver) CopyIn(ctx context.Context, vm *vmms.VM, files []vmms.InputFile) error {
	return nil
}
func (f *fakeDriver) RunJob(ctx context.Context, vm *vmms.VM, runtimeLimit time.Duration, sink io.Writer) (vmms.RunResult, error) {
	return vmms.RunResult{}, nil
}
func (f *fakeDriver) CopyOut(ctx context.Context, vm *vmms.VM, dest string) error { return nil }
func (f *fakeDriver) DestroyVM(ctx context.Context, vm *vmms.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, vm.ID)
	return nil
}
func (f *fakeDriver) SafeDestroyVM(ctx context.Context, vm *vmms.VM) error {
	return f.DestroyVM(ctx, vm)
}
func (f *fakeDriver) GetVMs(ctx context.Context) ([]*vmms.VM, error) { return nil, nil }
func (f *fakeDriver) ExistsVM(ctx context.Context, vm *vmms.VM) (bool, error) {
	return true, nil
}
func (f *fakeDriver) GetImages(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeDriver) destroyedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPreallocatorUpdateGrowsPoolAsynchronously(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()

	p.Update(ctx, "gcc", 2)

	waitFor(t, time.Second, func() bool {
		snap := p.GetPool("gcc")
		return snap.Total == 2 && snap.Free == 2
	})
}

func TestPreallocatorAllocVMIsExclusive(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 2)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Free == 2 })

	first := p.AllocVM("gcc")
	second := p.AllocVM("gcc")
	if first == nil || second == nil {
		t.Fatalf("expected two distinct VMs to be allocated")
	}
	if first.ID == second.ID {
		t.Fatalf("expected AllocVM to never hand out the same VM twice, got %s twice", first.ID)
	}
	if third := p.AllocVM("gcc"); third != nil {
		t.Fatalf("expected pool to be exhausted, got another VM %s", third.ID)
	}
}

func TestPreallocatorFreeVMKeepAliveReturnsToFreeList(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Free == 1 })

	vm := p.AllocVM("gcc")
	if vm == nil {
		t.Fatalf("expected a VM to allocate")
	}
	vm.KeepAlive = true
	p.FreeVM(ctx, vm)

	snap := p.GetPool("gcc")
	if snap.Free != 1 || snap.Total != 1 {
		t.Fatalf("expected keep-alive VM back in the free list, got free=%d total=%d", snap.Free, snap.Total)
	}
	if driver.destroyedCount() != 0 {
		t.Fatalf("expected no destroy call for a kept-alive VM")
	}
}

func TestPreallocatorFreeVMDestroyAndReplace(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Free == 1 })

	vm := p.AllocVM("gcc")
	vm.KeepAlive = false
	p.FreeVM(ctx, vm)

	waitFor(t, time.Second, func() bool { return driver.destroyedCount() == 1 })
	// below target triggers an async replacement create
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })
}

func TestPreallocatorCreateRetriesThenSucceeds(t *testing.T) {
	driver := &fakeDriver{failNext: 2}
	p := New(driver, 5)
	ctx := context.Background()

	// createOne's backoff starts at 1s; keep the test bounded by only
	// asserting eventual success rather than timing the retries.
	go p.createOne(ctx, "gcc")

	waitFor(t, 10*time.Second, func() bool { return p.GetPool("gcc").Total == 1 })
}

func TestPreallocatorConfigureAppliesKeepAliveToCreatedVMs(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()

	p.Configure("gcc", 0, false)
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })

	vm := p.AllocVM("gcc")
	if vm == nil {
		t.Fatalf("expected a VM to allocate")
	}
	if vm.KeepAlive {
		t.Fatalf("expected Configure(false) to be stamped onto every VM this pool creates")
	}
}

func TestPreallocatorUpdateClampsTargetToHardCap(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()

	p.Configure("gcc", 2, true)
	p.Update(ctx, "gcc", 5)

	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 2 })
	time.Sleep(50 * time.Millisecond)
	if snap := p.GetPool("gcc"); snap.Total > 2 {
		t.Fatalf("expected total never to exceed the hard cap of 2, got %d", snap.Total)
	}
}

func TestPreallocatorRecycleReturnsWarmVMWithoutCreating(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 2)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 2 })

	failed := p.AllocVM("gcc")
	replacement, err := p.Recycle(ctx, "gcc", failed.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replacement == nil || replacement.ID == failed.ID {
		t.Fatalf("expected a distinct warm VM, got %v", replacement)
	}
	if driver.destroyedCount() != 1 {
		t.Fatalf("expected the failed VM to be destroyed exactly once, got %d", driver.destroyedCount())
	}
	snap := p.GetPool("gcc")
	if snap.Total != 1 {
		t.Fatalf("expected the failed VM removed from total, got total=%d", snap.Total)
	}
}

func TestPreallocatorRecycleCreatesFreshVMWhenFreeListEmpty(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })

	failed := p.AllocVM("gcc") // drains the free list entirely
	if p.AllocVM("gcc") != nil {
		t.Fatalf("expected free list to be empty before Recycle")
	}

	replacement, err := p.Recycle(ctx, "gcc", failed.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if replacement == nil || replacement.ID == failed.ID {
		t.Fatalf("expected Recycle to synthesize a fresh VM, got %v", replacement)
	}
	snap := p.GetPool("gcc")
	if snap.Total != 1 {
		t.Fatalf("expected total to settle back at target, got %d", snap.Total)
	}
}

func TestPreallocatorRecycleRespectsHardCap(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Configure("gcc", 1, true)
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })

	failed := p.AllocVM("gcc")
	// Recycle deletes failed from total before creating, so total is 0
	// here and creating one more stays within the cap of 1.
	replacement, err := p.Recycle(ctx, "gcc", failed.ID)
	if err != nil {
		t.Fatalf("unexpected error under cap: %v", err)
	}
	if replacement == nil {
		t.Fatalf("expected a replacement within the hard cap")
	}

	// Now total is back at the cap; a second recycle of a VM that was
	// never removed from total (simulating an already-full pool) must
	// fail rather than overshoot the cap.
	if _, err := p.Recycle(ctx, "gcc", "no-such-id"); err == nil {
		t.Fatalf("expected Recycle to refuse creating past the hard cap")
	}
}

func TestPreallocatorForceDestroySchedulesReplacement(t *testing.T) {
	driver := &fakeDriver{}
	p := New(driver, 3)
	ctx := context.Background()
	p.Update(ctx, "gcc", 1)
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })

	vm := p.AllocVM("gcc")
	p.ForceDestroy(ctx, "gcc", vm.ID)

	waitFor(t, time.Second, func() bool { return driver.destroyedCount() == 1 })
	waitFor(t, time.Second, func() bool { return p.GetPool("gcc").Total == 1 })
}
