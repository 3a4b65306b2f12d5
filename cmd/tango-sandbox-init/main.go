// Command tango-sandbox-init is the process-level sandbox helper invoked
// by internal/vmms/localdriver for each job run: it reads a
// sandboxspec.Request on stdin, applies any requested bind mounts and
// resource limits, then execs the
// job's command with stdout+stderr inherited from its own so the
// caller's pipe captures them directly. Adapted from the teacher's
// cmd/sandbox-init/main.go, trimmed to what a Tango job run needs:
// rlimits, optional bind mounts, and an optional seccomp filter applied
// via SeccompProfilePath (spec.md §4.A "local driver enforces ... an
// optional seccomp filter"). Bind mounts are added to the existing
// filesystem; the helper does not chroot or pivot the root. No namespace/PID isolation — the local
// driver targets developer/CI use, not a hostile-tenant boundary; a
// future production driver supplies its own isolation.
//
//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"tango/internal/vmms/localdriver/sandboxspec"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tango-sandbox-init: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := validateRequest(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	if err := applyBindMounts(req.BindMounts); err != nil {
		return fmt.Errorf("apply bind mounts: %w", err)
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	if err := applyRlimits(req.Limits); err != nil {
		return fmt.Errorf("apply rlimits: %w", err)
	}

	if req.SeccompProfilePath != "" {
		if err := applySeccomp(req.SeccompProfilePath); err != nil {
			return fmt.Errorf("apply seccomp: %w", err)
		}
	}

	env := buildEnv(req.Env)
	cmdPath, err := lookPath(req.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r *os.File) (sandboxspec.Request, error) {
	var req sandboxspec.Request
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		return req, err
	}
	return req, nil
}

func validateRequest(req sandboxspec.Request) error {
	if req.WorkDir == "" {
		return fmt.Errorf("workDir is required")
	}
	if len(req.Cmd) == 0 {
		return fmt.Errorf("cmd is required")
	}
	return nil
}

func applyBindMounts(mounts []sandboxspec.MountSpec) error {
	for _, m := range mounts {
		if err := ensureMountTarget(m.Target); err != nil {
			return err
		}
		flags := uintptr(unix.MS_BIND)
		if err := unix.Mount(m.Source, m.Target, "", flags, ""); err != nil {
			return fmt.Errorf("bind mount %s -> %s: %w", m.Source, m.Target, err)
		}
		if m.ReadOnly {
			remountFlags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
			if err := unix.Mount(m.Source, m.Target, "", remountFlags, ""); err != nil {
				return fmt.Errorf("remount read-only %s: %w", m.Target, err)
			}
		}
	}
	return nil
}

func ensureMountTarget(target string) error {
	info, err := os.Stat(target)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		return fmt.Errorf("mount target %s exists and is not a directory", target)
	}
	return os.MkdirAll(target, 0755)
}

// applyRlimits maps sandboxspec.ResourceLimit onto POSIX rlimits,
// grounded on the teacher's applyRlimits in cmd/sandbox-init/main.go.
func applyRlimits(limits sandboxspec.ResourceLimit) error {
	if limits.CPUTimeMs > 0 {
		seconds := uint64(limits.CPUTimeMs)/1000 + 1
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}); err != nil {
			return fmt.Errorf("set RLIMIT_CPU: %w", err)
		}
	}
	if limits.OutputMB > 0 {
		bytes := uint64(limits.OutputMB) * 1024 * 1024
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set RLIMIT_FSIZE: %w", err)
		}
	}
	if limits.StackMB > 0 {
		bytes := uint64(limits.StackMB) * 1024 * 1024
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set RLIMIT_STACK: %w", err)
		}
	}
	if limits.PIDs > 0 {
		n := uint64(limits.PIDs)
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: n, Max: n}); err != nil {
			return fmt.Errorf("set RLIMIT_NPROC: %w", err)
		}
	}
	return nil
}

// applySeccomp loads a JSON syscall filter profile and installs it
// before exec, grounded on the teacher's applySeccomp in
// cmd/sandbox-init/main.go.
func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var profile sandboxspec.SeccompProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(profile.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range profile.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			if err := filter.AddRuleExact(name, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	return filter.Load()
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "ALLOW":
		return seccomp.ActAllow, nil
	case "KILL", "KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "ERRNO":
		return seccomp.ActErrno, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

func buildEnv(kv []string) []string {
	if len(kv) == 0 {
		return []string{"PATH=/usr/bin:/bin"}
	}
	return kv
}

func lookPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty command")
	}
	if name[0] == '/' {
		return name, nil
	}
	for _, dir := range []string{"/usr/bin", "/bin", "/usr/local/bin"} {
		candidate := dir + "/" + name
		if st, err := os.Stat(candidate); err == nil && st.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, syscall.ENOENT)
}
