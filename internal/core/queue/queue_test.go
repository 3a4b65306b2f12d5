package queue

import (
	"testing"

	"tango/internal/core/job"
)

func TestQueueAddAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()
	q := New(10, false)
	firstID := q.Add(&job.Job{Image: "gcc"})
	secondID := q.Add(&job.Job{Image: "gcc"})
	if firstID == 0 || secondID == 0 {
		t.Fatalf("expected nonzero ids, got %d and %d", firstID, secondID)
	}
	if secondID <= firstID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", firstID, secondID)
	}
}

func TestQueueAddDedupesByFingerprint(t *testing.T) {
	t.Parallel()
	q := New(10, false)
	first := q.Add(&job.Job{Image: "gcc", Fingerprint: "fp-1"})
	second := q.Add(&job.Job{Image: "gcc", Fingerprint: "fp-1"})
	if second != first {
		t.Fatalf("expected duplicate fingerprint to return existing id %d, got %d", first, second)
	}
	live, _, pending := q.Counts()
	if live != 1 || pending != 1 {
		t.Fatalf("expected exactly one live/pending job, got live=%d pending=%d", live, pending)
	}
}

func TestQueueAddWithoutFingerprintNeverDedupes(t *testing.T) {
	t.Parallel()
	q := New(10, false)
	first := q.Add(&job.Job{Image: "gcc"})
	second := q.Add(&job.Job{Image: "gcc"})
	if first == second {
		t.Fatalf("expected distinct ids when fingerprint is empty, got %d twice", first)
	}
}

func TestQueueMakeDeadIsIdempotent(t *testing.T) {
	t.Parallel()
	q := New(10, false)
	id := q.Add(&job.Job{Image: "gcc", Fingerprint: "fp"})
	q.MakeDead(id, job.FailRun, "boom")
	q.MakeDead(id, job.FailRun, "boom again")

	j, ok := q.Get(id)
	if !ok {
		t.Fatalf("expected job %d to still be retrievable after MakeDead", id)
	}
	if len(j.Trace) != 1 {
		t.Fatalf("expected MakeDead to be a no-op on an already-dead job, got %d trace entries", len(j.Trace))
	}
	live, dead, _ := q.Counts()
	if live != 0 || dead != 1 {
		t.Fatalf("expected job to have moved from live to dead exactly once, got live=%d dead=%d", live, dead)
	}

	if _, ok := q.fingerprints["fp"]; ok {
		t.Fatalf("expected fingerprint to be released once the job went dead")
	}
}

func TestQueueDeadRingIsBounded(t *testing.T) {
	t.Parallel()
	q := New(2, false)
	var ids []job.ID
	for i := 0; i < 5; i++ {
		id := q.Add(&job.Job{Image: "gcc"})
		ids = append(ids, id)
		q.MakeDead(id, job.FailRun, "done")
	}
	dead := q.DeadJobs()
	if len(dead) != 2 {
		t.Fatalf("expected dead ring capped at 2, got %d", len(dead))
	}
	// oldest entries should have been evicted; only the last two ids survive
	want := ids[len(ids)-2:]
	for i, j := range dead {
		if j.ID != want[i] {
			t.Fatalf("expected dead ring to keep the newest entries in order, got %v want %v", dead, want)
		}
	}
}

func TestQueuePendingFIFOOrdering(t *testing.T) {
	t.Parallel()
	q := New(10, false)
	first := q.Add(&job.Job{Image: "gcc"})
	second := q.Add(&job.Job{Image: "gcc"})

	gotFirst, ok := q.GetNextPendingJob()
	if !ok || gotFirst != first {
		t.Fatalf("expected first pending job to be %d, got %d (ok=%v)", first, gotFirst, ok)
	}

	// a reassigned job (AddToUnassigned) should precede fresh submissions
	q.AddToUnassigned(second)
	third := q.Add(&job.Job{Image: "gcc"})

	gotSecond, ok := q.GetNextPendingJob()
	if !ok || gotSecond != second {
		t.Fatalf("expected reassigned job %d to jump the queue ahead of %d, got %d", second, third, gotSecond)
	}
	gotThird, ok := q.GetNextPendingJob()
	if !ok || gotThird != third {
		t.Fatalf("expected fresh submission %d next, got %d", third, gotThird)
	}
	if _, ok := q.GetNextPendingJob(); ok {
		t.Fatalf("expected pending FIFO to be empty")
	}
}

func TestFingerprintStableAndOrderIndependent(t *testing.T) {
	t.Parallel()
	specA := job.Spec{
		Image: "gcc",
		InputFiles: []job.InputFile{
			{LocalFile: "a.c", DestFile: "a.c"},
			{LocalFile: "b.c", DestFile: "b.c"},
		},
		OutputFile: job.OutputSpec{DestPath: "out"},
		AccessKey:  "alice",
	}
	specB := specA
	specB.InputFiles = []job.InputFile{specA.InputFiles[1], specA.InputFiles[0]}

	if Fingerprint(specA, false) != Fingerprint(specB, false) {
		t.Fatalf("expected fingerprint to be independent of input file order")
	}

	specC := specA
	specC.AccessKey = "bob"
	if Fingerprint(specA, true) == Fingerprint(specC, true) {
		t.Fatalf("expected fingerprint to differ by requester when includeRequester is set")
	}
	if Fingerprint(specA, false) != Fingerprint(specC, false) {
		t.Fatalf("expected fingerprint to ignore requester when includeRequester is false")
	}
}
