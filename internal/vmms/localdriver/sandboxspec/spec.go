// Package sandboxspec is the JSON wire contract between the localdriver
// (internal/vmms/localdriver) and the cmd/tango-sandbox-init helper
// process: one JSON request on stdin describing the command, working
// directory, bind mounts and resource limits to apply before exec'ing
// the job's `make` invocation. Grounded on the teacher's
// internal/judge/sandbox/spec/spec.go (RunSpec/ResourceLimit/MountSpec),
// narrowed to what a Tango job run needs — there is no separate
// compile/run distinction here, every job is one `runJob` call.
package sandboxspec

// ResourceLimit bounds one run. The sandbox-init helper mirrors
// CPUTimeMs, OutputMB, StackMB and PIDs onto POSIX rlimits; it does not
// apply WallTimeMs or MemoryMB.
type ResourceLimit struct {
	WallTimeMs int64 `json:"wallTimeMs"`
	CPUTimeMs  int64 `json:"cpuTimeMs,omitempty"`
	MemoryMB   int64 `json:"memoryMB,omitempty"`
	StackMB    int64 `json:"stackMB,omitempty"`
	OutputMB   int64 `json:"outputMB,omitempty"`
	PIDs       int64 `json:"pids,omitempty"`
}

// MountSpec is one bind mount the sandbox-init helper adds to the
// existing filesystem before exec; the helper does not chroot.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// SeccompRule whitelists or denies a group of syscalls by name, mirrored
// onto libseccomp-golang rules by the sandbox-init helper.
type SeccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"` // "allow" | "errno" | "kill"
}

// SeccompProfile is a default action plus a rule list, loaded from a
// JSON file referenced by Request.SeccompProfilePath.
type SeccompProfile struct {
	DefaultAction string        `json:"defaultAction"` // "allow" | "errno" | "kill"
	Syscalls      []SeccompRule `json:"syscalls"`
}

// Request is the sandbox-init helper's stdin payload.
type Request struct {
	WorkDir            string        `json:"workDir"`
	Cmd                []string      `json:"cmd"`
	Env                []string      `json:"env,omitempty"`
	BindMounts         []MountSpec   `json:"bindMounts,omitempty"`
	Limits             ResourceLimit `json:"limits"`
	SeccompProfilePath string        `json:"seccompProfilePath,omitempty"`
}
