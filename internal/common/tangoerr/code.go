// Package tangoerr defines the broker's coded error type, grounded on
// the teacher's pkg/errors: a contiguous-range enum of error codes plus
// a wrapping Error type, specialized to the taxonomy in spec.md §7
// (Transient VMMS / Job-fatal / User-fatal / Scheduler / Resource
// exhaustion) instead of the teacher's web-app error catalogue.
package tangoerr

// Code identifies one kind of broker failure.
type Code int

const (
	Success Code = 0

	// 10000-10099: Transient VMMS — retried with a fresh VM up to budget.
	ReadyTimeout   Code = 10000
	CreateFailed   Code = 10001
	VMMSTransient  Code = 10002
	DriverNotFound Code = 10003

	// 10100-10199: Job-fatal — the job moves to dead, VM is destroyed.
	CopyInFailed  Code = 10100
	RunFailed     Code = 10101
	CopyOutFailed Code = 10102
	JobCancelled  Code = 10103
	OutputKilled  Code = 10104

	// 10200-10299: User-fatal — rejected synchronously at the façade.
	InvalidParams       Code = 10200
	UnknownImage        Code = 10201
	EmptyInputFiles     Code = 10202
	MissingOutputSpec   Code = 10203
	InvalidTimeout      Code = 10204
	TimeoutTooLarge     Code = 10205
	Unauthorized        Code = 10206
	NotFound            Code = 10207
	MakefileMissing     Code = 10208

	// 10300-10399: Scheduler — not user-visible unless retry budget exhausts.
	WorkerDiedRepeatedly Code = 10300

	// 10400-10499: Resource exhaustion.
	PoolStarved Code = 10400

	// 10500-10599: ambient/internal.
	Internal       Code = 10500
	StorageError   Code = 10501
	CacheError     Code = 10502
	PersistError   Code = 10503
	ServiceUnavail Code = 10504
)

var messages = map[Code]string{
	Success:              "success",
	ReadyTimeout:         "vm did not become ready in time",
	CreateFailed:         "vmms create failed",
	VMMSTransient:        "transient vmms failure",
	DriverNotFound:       "no driver registered for that name",
	CopyInFailed:         "copy-in failed",
	RunFailed:            "run failed",
	CopyOutFailed:        "copy-out failed",
	JobCancelled:         "job cancelled",
	OutputKilled:         "run was killed",
	InvalidParams:        "invalid parameters",
	UnknownImage:         "image is not offered by the configured driver",
	EmptyInputFiles:      "input file list must not be empty",
	MissingOutputSpec:    "output file spec is required",
	InvalidTimeout:       "timeout must be a positive number of seconds",
	TimeoutTooLarge:      "timeout exceeds the configured ceiling",
	Unauthorized:         "unauthorized",
	NotFound:             "not found",
	MakefileMissing:      "input files must include a Makefile",
	WorkerDiedRepeatedly: "worker died repeatedly",
	PoolStarved:          "pool has been below target since the last create failure",
	Internal:             "internal error",
	StorageError:         "object storage error",
	CacheError:           "cache error",
	PersistError:         "trace persistence error",
	ServiceUnavail:       "service temporarily unavailable",
}

// Message returns the default human-readable message for the code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "unknown error"
}

// HTTPStatus returns the façade's recommended HTTP status for the code.
func (c Code) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized:
		return 401
	case c == NotFound:
		return 404
	case c >= 10200 && c < 10300:
		return 400
	case c == PoolStarved:
		return 503
	case c == ServiceUnavail:
		return 503
	default:
		return 500
	}
}

// Class groups a code into the five taxonomy buckets from spec.md §7.
type Class string

const (
	ClassTransientVMMS Class = "transient_vmms"
	ClassJobFatal       Class = "job_fatal"
	ClassUserFatal      Class = "user_fatal"
	ClassScheduler      Class = "scheduler"
	ClassResource       Class = "resource_exhaustion"
	ClassInternal       Class = "internal"
)

// ClassOf reports which taxonomy bucket a code falls into.
func ClassOf(c Code) Class {
	switch {
	case c >= 10000 && c < 10100:
		return ClassTransientVMMS
	case c >= 10100 && c < 10200:
		return ClassJobFatal
	case c >= 10200 && c < 10300:
		return ClassUserFatal
	case c >= 10300 && c < 10400:
		return ClassScheduler
	case c >= 10400 && c < 10500:
		return ClassResource
	default:
		return ClassInternal
	}
}
