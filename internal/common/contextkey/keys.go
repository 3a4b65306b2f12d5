// Package contextkey defines the private context key type shared by the
// logger and façade middleware so that trace/job/vm identifiers
// attached to a context can't collide with keys from other packages.
package contextkey

type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	AccessKey key = "access_key"
	JobID     key = "job_id"
	VMID      key = "vm_id"
)
