// Package job defines the data shared by the Job Queue, Worker, Job
// Manager and façade: the Job record itself, its input/output spec, and
// the state an external poller sees, grounded on the teacher's
// sandbox/result.JudgeResult (internal/judge/sandbox/result) but
// reshaped around spec.md §3's job record rather than a judge verdict.
package job

import "time"

// ID is a monotonic, process-lifetime-unique job identifier (spec.md §3:
// "ids are never reused").
type ID int64

// State is which of the two top-level sets (live/dead) a job occupies.
type State int

const (
	Live State = iota
	Dead
)

func (s State) String() string {
	if s == Dead {
		return "dead"
	}
	return "live"
}

// FailCause names the Worker sub-stage a FAILED job died in, used as the
// job's final trace entry and in its poll snapshot.
type FailCause string

const (
	FailNone        FailCause = ""
	FailReadyTimeout FailCause = "ready-timeout"
	FailCopyIn      FailCause = "copy-in"
	FailRun         FailCause = "run"
	FailCopyOut     FailCause = "copy-out"
	FailCancelled   FailCause = "cancelled"
	FailWorkerDied  FailCause = "worker died repeatedly"
)

// InputFile is one file the requester uploaded that must land inside the
// VM before the run, named by source path in the requester's working
// directory and destination path inside the VM.
type InputFile struct {
	LocalFile string `json:"localFile"`
	DestFile  string `json:"destFile"`
}

// OutputFormat controls how poll() renders captured output.
type OutputFormat string

const (
	FormatRaw    OutputFormat = "raw"
	FormatBase64 OutputFormat = "base64"
)

// OutputSpec is where and how the captured run output is reported.
type OutputSpec struct {
	DestPath    string       `json:"destPath"`
	Format      OutputFormat `json:"format"`
	CallbackURL string       `json:"callbackURL,omitempty"`
}

// TraceEntry is one timestamped status string, append-only and totally
// ordered by the job's single owning worker (spec.md §5(d)).
type TraceEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Spec is the externally submitted job request (spec.md §6).
type Spec struct {
	Image             string      `json:"image"`
	InputFiles        []InputFile `json:"inputFiles"`
	OutputFile        OutputSpec  `json:"outputFile"`
	MaxOutputFileSize int64       `json:"maxOutputFileSize"`
	TimeoutSeconds    int         `json:"timeout"`
	NotifyURL         string      `json:"notifyURL,omitempty"`
	AccessKey         string      `json:"accessKey"`
}

// Job is the broker's internal record for one submission.
type Job struct {
	ID           ID
	AssignedVM   string // empty == unassigned; VM id otherwise
	Image        string
	InputFiles   []InputFile
	OutputFile   OutputSpec
	MaxOutput    int64
	Timeout      time.Duration
	NotifyURL    string
	Requester    string
	Fingerprint  string

	State     State
	FailCause FailCause
	RetryCount int

	Trace []TraceEntry

	Appended time.Time
	Assigned time.Time
	Started  time.Time
	Finished time.Time

	Output []byte

	// Cancelled is checked by the worker at each state-machine
	// checkpoint (spec.md §4.D "Preemption").
	Cancelled bool
}

// AppendTrace appends a timestamped entry. Job itself does no locking —
// it is owned by exactly one worker while live (spec.md §4.D) — so
// callers elsewhere must go through a component that serialises access.
func (j *Job) AppendTrace(text string) {
	j.Trace = append(j.Trace, TraceEntry{At: time.Now(), Text: text})
}

// Snapshot is the read-only view returned by poll()/jobs().
type Snapshot struct {
	ID         ID           `json:"id"`
	State      string       `json:"state"`
	Image      string       `json:"image"`
	AssignedVM string       `json:"assignedVM,omitempty"`
	FailCause  FailCause    `json:"failCause,omitempty"`
	Trace      []TraceEntry `json:"trace"`
	Appended   time.Time    `json:"appended"`
	Finished   time.Time    `json:"finished,omitempty"`
}

// ToSnapshot renders the external view of a job.
func (j *Job) ToSnapshot() Snapshot {
	return Snapshot{
		ID:         j.ID,
		State:      j.State.String(),
		Image:      j.Image,
		AssignedVM: j.AssignedVM,
		FailCause:  j.FailCause,
		Trace:      j.Trace,
		Appended:   j.Appended,
		Finished:   j.Finished,
	}
}
