// Package pool implements the Preallocator (spec.md §4.B): per-image
// pools of warm VMs with asynchronous refill, destroy-on-release policy,
// and a free/total accounting invariant. The free/total bookkeeping is
// grounded on the teacher's worker-pool semaphore in
// internal/judge/service/pool_retry.go (acquireSlot/releaseSlot), widened
// from a single counting semaphore to a per-image free list plus a total
// set, and the retry backoff on create failures reuses the shape of that
// file's ComputePoolBackoff.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tango/internal/common/logger"
	"tango/internal/common/tangoerr"
	"tango/internal/vmms"
)

// imagePool is the per-image state guarded by Preallocator.mu. free is a
// FIFO of warm VM ids (spec.md §4.B "Tie-breaks"); total is every VM id
// currently owned by this image's pool, whether free or assigned. hardCap
// is the ceiling on len(total) (spec.md §3/§8, 0 means unbounded) and
// keepAliveDefault is applied to every VM this image's pool creates
// (spec.md §9(b)).
type imagePool struct {
	free             []string
	total            map[string]*vmms.VM
	target           int
	hardCap          int
	keepAliveDefault bool
}

func newImagePool() *imagePool {
	return &imagePool{total: make(map[string]*vmms.VM), keepAliveDefault: true}
}

// Snapshot is the read-only view returned by getPool/getAllPools.
type Snapshot struct {
	Image string `json:"image"`
	Free  int    `json:"free"`
	Total int    `json:"total"`
	Target int   `json:"target"`
}

// Preallocator owns every VM pool for one broker instance.
type Preallocator struct {
	driver   vmms.Driver
	retries  int
	mu       sync.Mutex
	pools    map[string]*imagePool
}

// New creates a Preallocator bound to driver, retrying failed creates up
// to createRetries times before abandoning a scheduled refill (spec.md
// §4.B "retried up to a bounded number of times then abandoned with a
// logged error").
func New(driver vmms.Driver, createRetries int) *Preallocator {
	if createRetries <= 0 {
		createRetries = 5
	}
	return &Preallocator{
		driver:  driver,
		retries: createRetries,
		pools:   make(map[string]*imagePool),
	}
}

// Configure sets image's hard cap and keep-alive default ahead of the
// first Update call, per spec.md §3/§8's per-image ceiling and §9(b)'s
// keep-alive policy. Safe to call before any VM for image exists.
func (p *Preallocator) Configure(image string, hardCap int, keepAliveDefault bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[image]
	if !ok {
		ip = newImagePool()
		p.pools[image] = ip
	}
	ip.hardCap = hardCap
	ip.keepAliveDefault = keepAliveDefault
}

// Reconcile calls getVMs() on startup and adopts VMs whose image is
// already configured, destroying the rest (spec.md §6 "Persisted state").
func (p *Preallocator) Reconcile(ctx context.Context) error {
	vms, err := p.driver.GetVMs(ctx)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		p.mu.Lock()
		ip, known := p.pools[vm.Image]
		p.mu.Unlock()
		if !known {
			_ = p.driver.DestroyVM(ctx, vm)
			continue
		}
		p.mu.Lock()
		ip.total[vm.ID] = vm
		ip.free = append(ip.free, vm.ID)
		p.mu.Unlock()
	}
	return nil
}

// Update resizes image's pool to target, per spec.md §4.B. Create and
// destroy calls happen outside the lock; only their bookkeeping is
// locked.
func (p *Preallocator) Update(ctx context.Context, image string, target int) {
	p.mu.Lock()
	ip, ok := p.pools[image]
	if !ok {
		ip = newImagePool()
		p.pools[image] = ip
	}
	if ip.hardCap > 0 && target > ip.hardCap {
		logger.Warn(ctx, "pool update target exceeds hard cap, clamping", zap.String("image", image), zap.Int("target", target), zap.Int("hardCap", ip.hardCap))
		target = ip.hardCap
	}
	prevTarget := ip.target
	ip.target = target
	currentTotal := len(ip.total)
	p.mu.Unlock()

	if target > currentTotal {
		for i := 0; i < target-currentTotal; i++ {
			go p.createOne(ctx, image)
		}
		return
	}
	if target < prevTarget || target < currentTotal {
		p.shrinkSurplus(ctx, image, target)
	}
}

// shrinkSurplus destroys free VMs until total is within target; VMs
// assigned to jobs are left alone, per spec.md §4.B.
func (p *Preallocator) shrinkSurplus(ctx context.Context, image string, target int) {
	for {
		p.mu.Lock()
		ip := p.pools[image]
		if ip == nil || len(ip.total) <= target || len(ip.free) == 0 {
			p.mu.Unlock()
			return
		}
		id := ip.free[0]
		ip.free = ip.free[1:]
		vm := ip.total[id]
		delete(ip.total, id)
		p.mu.Unlock()

		go func(vm *vmms.VM) {
			if err := p.driver.DestroyVM(ctx, vm); err != nil {
				logger.Error(ctx, "pool shrink destroy failed", zap.String("image", image), zap.String("vm", vm.ID), zap.Error(err))
			}
		}(vm)
	}
}

func (p *Preallocator) createOne(ctx context.Context, image string) {
	p.mu.Lock()
	ip := p.pools[image]
	if ip != nil && ip.hardCap > 0 && len(ip.total) >= ip.hardCap {
		p.mu.Unlock()
		logger.Warn(ctx, "pool create skipped, hard cap reached", zap.String("image", image), zap.Int("hardCap", ip.hardCap))
		return
	}
	p.mu.Unlock()

	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < p.retries; attempt++ {
		vm, err := p.driver.InitializeVM(ctx, image)
		if err == nil {
			p.mu.Lock()
			ip := p.pools[image]
			if ip == nil {
				ip = newImagePool()
				p.pools[image] = ip
			}
			if ip.hardCap > 0 && len(ip.total) >= ip.hardCap {
				p.mu.Unlock()
				logger.Warn(ctx, "pool create discarded, hard cap reached concurrently", zap.String("image", image), zap.String("vm", vm.ID))
				_ = p.driver.DestroyVM(ctx, vm)
				return
			}
			vm.KeepAlive = ip.keepAliveDefault
			ip.total[vm.ID] = vm
			ip.free = append(ip.free, vm.ID)
			p.mu.Unlock()
			return
		}
		lastErr = err
		logger.Warn(ctx, "pool create attempt failed", zap.String("image", image), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	logger.Error(ctx, "pool create abandoned after retries", zap.String("image", image), zap.Int("retries", p.retries), zap.Error(lastErr))
}

// AllocVM pops the head of image's free list, or returns nil if empty.
// Atomic across concurrent callers: a given VM is handed to at most one
// caller (spec.md §4.B).
func (p *Preallocator) AllocVM(image string) *vmms.VM {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[image]
	if !ok || len(ip.free) == 0 {
		return nil
	}
	id := ip.free[0]
	ip.free = ip.free[1:]
	return ip.total[id]
}

// FreeVM returns vm to its image's free pool if keep-alive is true and
// the pool is below target; otherwise destroys it and, if that leaves
// the pool below target, schedules a replacement create (spec.md §4.B).
func (p *Preallocator) FreeVM(ctx context.Context, vm *vmms.VM) {
	p.mu.Lock()
	ip, ok := p.pools[vm.Image]
	if !ok {
		p.mu.Unlock()
		_ = p.driver.DestroyVM(ctx, vm)
		return
	}
	belowTarget := len(ip.free) < ip.target
	if vm.KeepAlive && belowTarget {
		ip.free = append(ip.free, vm.ID)
		p.mu.Unlock()
		return
	}
	delete(ip.total, vm.ID)
	needsReplacement := len(ip.total) < ip.target
	p.mu.Unlock()

	if err := p.driver.DestroyVM(ctx, vm); err != nil {
		logger.Error(ctx, "freeVM destroy failed", zap.String("image", vm.Image), zap.String("vm", vm.ID), zap.Error(err))
	}
	if needsReplacement {
		go p.createOne(ctx, vm.Image)
	}
}

// AddVM registers an externally created VM into its image's pool.
func (p *Preallocator) AddVM(vm *vmms.VM) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[vm.Image]
	if !ok {
		ip = newImagePool()
		p.pools[vm.Image] = ip
	}
	ip.total[vm.ID] = vm
	ip.free = append(ip.free, vm.ID)
}

// RemoveVM administratively drops id from image's pool bookkeeping
// without destroying it (caller's responsibility).
func (p *Preallocator) RemoveVM(image, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[image]
	if !ok {
		return
	}
	delete(ip.total, id)
	for i, fid := range ip.free {
		if fid == id {
			ip.free = append(ip.free[:i], ip.free[i+1:]...)
			break
		}
	}
}

// ForceDestroy destroys the VM at (image, id) unconditionally — it is
// never still in the free list — and schedules a replacement if that
// leaves the pool below target. Used by the Job Manager when reaping a
// dead worker: the VM's in-process state is untrusted, so it is never
// offered a chance at FreeVM's keep-alive path (spec.md §4.E step 1).
func (p *Preallocator) ForceDestroy(ctx context.Context, image, id string) {
	p.mu.Lock()
	ip, ok := p.pools[image]
	if !ok {
		p.mu.Unlock()
		return
	}
	vm, ok := ip.total[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(ip.total, id)
	needsReplacement := len(ip.total) < ip.target
	p.mu.Unlock()

	if err := p.driver.DestroyVM(ctx, vm); err != nil {
		logger.Error(ctx, "forceDestroy failed", zap.String("image", image), zap.String("vm", id), zap.Error(err))
	}
	if needsReplacement {
		go p.createOne(ctx, image)
	}
}

// Recycle destroys the failed VM at (image, failedID) — removing it from
// total so it never leaks into the pool's bookkeeping — and returns a
// replacement for the caller to keep working with: a warm VM from the
// free list if one is available, otherwise a freshly created one
// honoring the image's hard cap (spec.md §4.D.1 "request a replacement
// through the Preallocator"; §3/§8 "|pool(I).total| <= hardCap"). Used
// by the Worker on a WAIT_READY failure, where the failed VM was
// allocated out of free and never offered a chance at FreeVM's
// keep-alive path.
func (p *Preallocator) Recycle(ctx context.Context, image, failedID string) (*vmms.VM, error) {
	p.mu.Lock()
	ip, ok := p.pools[image]
	var failed *vmms.VM
	if ok {
		failed, ok = ip.total[failedID]
		if ok {
			delete(ip.total, failedID)
		}
	}
	p.mu.Unlock()

	if failed != nil {
		if err := p.driver.DestroyVM(ctx, failed); err != nil {
			logger.Error(ctx, "recycle destroy failed", zap.String("image", image), zap.String("vm", failedID), zap.Error(err))
		}
	}

	if vm := p.AllocVM(image); vm != nil {
		return vm, nil
	}
	return p.createReplacement(ctx, image)
}

// createReplacement synchronously creates one VM for image, honoring the
// hard cap, and registers it directly in total without ever passing
// through free — the caller takes immediate ownership of it.
func (p *Preallocator) createReplacement(ctx context.Context, image string) (*vmms.VM, error) {
	p.mu.Lock()
	ip, ok := p.pools[image]
	if !ok {
		ip = newImagePool()
		p.pools[image] = ip
	}
	if ip.hardCap > 0 && len(ip.total) >= ip.hardCap {
		p.mu.Unlock()
		return nil, tangoerr.New(tangoerr.PoolStarved)
	}
	keepAliveDefault := ip.keepAliveDefault
	p.mu.Unlock()

	vm, err := p.driver.InitializeVM(ctx, image)
	if err != nil {
		return nil, tangoerr.Wrap(err, tangoerr.CreateFailed)
	}
	vm.KeepAlive = keepAliveDefault

	p.mu.Lock()
	ip = p.pools[image]
	if ip == nil {
		ip = newImagePool()
		p.pools[image] = ip
	}
	ip.total[vm.ID] = vm
	p.mu.Unlock()
	return vm, nil
}

// Lookup returns the full VM handle for id within image's pool (a job
// record carries just the VM id, not the driver handle). The Job Manager
// destroys a dead worker's VM through ForceDestroy, not through Lookup.
func (p *Preallocator) Lookup(image, id string) (*vmms.VM, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[image]
	if !ok {
		return nil, false
	}
	vm, ok := ip.total[id]
	return vm, ok
}

// GetPool snapshots one image's pool.
func (p *Preallocator) GetPool(image string) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.pools[image]
	if !ok {
		return Snapshot{Image: image}
	}
	return Snapshot{Image: image, Free: len(ip.free), Total: len(ip.total), Target: ip.target}
}

// GetAllPools snapshots every known image pool.
func (p *Preallocator) GetAllPools() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.pools))
	for image, ip := range p.pools {
		out = append(out, Snapshot{Image: image, Free: len(ip.free), Total: len(ip.total), Target: ip.target})
	}
	return out
}
