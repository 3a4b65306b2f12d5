// Package queue implements the Job Queue (spec.md §4.C): a FIFO of live
// jobs, a bounded ring of dead jobs, id allocation, a pending-assignment
// FIFO, and fingerprint-based dedupe. Grounded on the teacher's
// acquireSlot/tryAcquireSlot pattern in
// internal/judge/service/pool_retry.go for the "single lock guarding an
// in-memory structure, slow work happens outside it" shape, generalised
// from a semaphore to a map+ring+list.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"tango/internal/core/job"
)

// Queue is the broker's Job Queue.
type Queue struct {
	mu sync.Mutex

	nextID job.ID
	live   map[job.ID]*job.Job
	dead   []*job.Job // ring buffer, oldest first
	deadCap int

	pending []job.ID // FIFO of unassigned live job ids

	dedupeIncludesRequester bool
	fingerprints            map[string]job.ID // fingerprint -> live job id
}

// New creates an empty queue. deadCap bounds the dead ring (spec.md §3
// "Dead-job ring"); dedupeIncludesRequester resolves Open Question (a).
func New(deadCap int, dedupeIncludesRequester bool) *Queue {
	if deadCap <= 0 {
		deadCap = 1000
	}
	return &Queue{
		live:                    make(map[job.ID]*job.Job),
		deadCap:                 deadCap,
		dedupeIncludesRequester: dedupeIncludesRequester,
		fingerprints:            make(map[string]job.ID),
	}
}

// Fingerprint computes the dedupe key for a spec: (image, sorted input
// file "source->destination" path pairs, output destination), optionally
// salted with the requester's access key per the per-instance config
// decision (spec.md §9 Open Question (a)). Input files are identified by
// their paths only; their contents are not hashed.
func Fingerprint(spec job.Spec, includeRequester bool) string {
	h := sha256.New()
	h.Write([]byte(spec.Image))
	h.Write([]byte{0})
	names := make([]string, len(spec.InputFiles))
	for i, f := range spec.InputFiles {
		names[i] = f.LocalFile + "->" + f.DestFile
	}
	sort.Strings(names)
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
	}
	h.Write([]byte(spec.OutputFile.DestPath))
	if includeRequester {
		h.Write([]byte{0})
		h.Write([]byte(spec.AccessKey))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Add assigns the next id, appends j to live in arrival order, and
// returns the id. If an identical live job already exists (by
// fingerprint), its id is returned instead and no new job is created
// (spec.md §4.C dedupe).
func (q *Queue) Add(j *job.Job) job.ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j.Fingerprint != "" {
		if existing, ok := q.fingerprints[j.Fingerprint]; ok {
			return existing
		}
	}

	q.nextID++
	j.ID = q.nextID
	j.State = job.Live
	j.Appended = time.Now()
	q.live[j.ID] = j
	if j.Fingerprint != "" {
		q.fingerprints[j.Fingerprint] = j.ID
	}
	q.pending = append(q.pending, j.ID) // tail: fresh jobs
	return j.ID
}

// AddDead inserts j directly into the dead ring, used for synchronously
// rejected jobs so clients can still poll (spec.md §4.C).
func (q *Queue) AddDead(j *job.Job) job.ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	j.ID = q.nextID
	j.State = job.Dead
	j.Appended = time.Now()
	j.Finished = time.Now()
	q.pushDead(j)
	return j.ID
}

func (q *Queue) pushDead(j *job.Job) {
	q.dead = append(q.dead, j)
	if len(q.dead) > q.deadCap {
		q.dead = q.dead[len(q.dead)-q.deadCap:]
	}
}

// AddToUnassigned pushes id to the head of the pending FIFO, used when a
// job is reassigned after a worker crash so it precedes fresh submissions
// (spec.md §4.C, §5 ordering guarantee (b)). An id already pending is
// moved to the head rather than duplicated.
func (q *Queue) AddToUnassigned(id job.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.pending = append([]job.ID{id}, q.pending...)
}

// GetNextPendingJob pops the head of the pending FIFO, or returns 0, false
// if empty.
func (q *Queue) GetNextPendingJob() (job.ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	return id, true
}

// PeekNextPendingImage returns the image of the head of the pending FIFO
// without popping it. The Job Manager does not call it; its dispatch loop
// pops each pending id and pushes a deferred one back.
func (q *Queue) PeekNextPendingImage() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	j, ok := q.live[q.pending[0]]
	if !ok {
		return "", false
	}
	return j.Image, true
}

// AssignJob marks a live job as claimed by vmID.
func (q *Queue) AssignJob(id job.ID, vmID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.live[id]; ok {
		j.AssignedVM = vmID
		j.Assigned = time.Now()
	}
}

// UnassignJob clears a live job's VM assignment and pushes it back to
// the head of the pending FIFO (worker death, spec.md §4.E step 1).
func (q *Queue) UnassignJob(id job.ID) {
	q.mu.Lock()
	if j, ok := q.live[id]; ok {
		j.AssignedVM = ""
		j.RetryCount++
	}
	q.pending = append([]job.ID{id}, q.pending...)
	q.mu.Unlock()
}

// MakeDead atomically moves id from live to dead, appending reason to
// its trace and setting the finished timestamp. Idempotent: a second
// call on an already-dead id is a no-op (spec.md §8 round-trip property).
func (q *Queue) MakeDead(id job.ID, cause job.FailCause, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.live[id]
	if !ok {
		return
	}
	delete(q.live, id)
	if j.Fingerprint != "" {
		delete(q.fingerprints, j.Fingerprint)
	}
	j.State = job.Dead
	j.FailCause = cause
	j.Finished = time.Now()
	j.AppendTrace(reason)
	q.pushDead(j)
}

// Get returns a job by id, searching live then dead.
func (q *Queue) Get(id job.ID) (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.live[id]; ok {
		return j, true
	}
	for _, j := range q.dead {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// GetNextID returns the id that would be allocated by the next Add.
func (q *Queue) GetNextID() job.ID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID + 1
}

// DelJob removes id from live (deadQueue=false) or dead (deadQueue=true).
func (q *Queue) DelJob(id job.ID, deadQueue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if deadQueue {
		for i, j := range q.dead {
			if j.ID == id {
				q.dead = append(q.dead[:i], q.dead[i+1:]...)
				return
			}
		}
		return
	}
	if j, ok := q.live[id]; ok {
		if j.Fingerprint != "" {
			delete(q.fingerprints, j.Fingerprint)
		}
		delete(q.live, id)
	}
}

// LiveJobs snapshots every live job, for info/jobs endpoints.
func (q *Queue) LiveJobs() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Job, 0, len(q.live))
	for _, j := range q.live {
		out = append(out, j)
	}
	return out
}

// DeadJobs snapshots the dead ring, newest last.
func (q *Queue) DeadJobs() []*job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*job.Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Counts reports live/dead/pending sizes for the info endpoint.
func (q *Queue) Counts() (live, dead, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live), len(q.dead), len(q.pending)
}
