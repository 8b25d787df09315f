package shim

import (
	"fmt"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// generateSpec builds an OCI runtime specification for opts, rooted at
// rootfs. It implements the process/root/mounts/namespaces assembly rules
// of spec.md §4.4 step 4.
func generateSpec(opts CreateOpts, id, rootfs string) (*specs.Spec, error) {
	args := processArgs(opts.Config)
	env := mergeEnv(opts.Config.Env)
	cwd := opts.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	uid, gid, err := parseUser(opts.Config.User)
	if err != nil {
		return nil, fmt.Errorf("shim: parse user %q: %w", opts.Config.User, err)
	}

	hostname := opts.Config.Hostname
	if hostname == "" {
		hostname = "container"
	}

	spec := &specs.Spec{
		Version:  "1.2.0",
		Hostname: hostname,
		Root: &specs.Root{
			Path:     rootfs,
			Readonly: opts.HostConfig.ReadonlyRootfs,
		},
		Process: &specs.Process{
			Terminal:        opts.Config.TTY,
			User:            specs.User{UID: uid, GID: gid},
			Args:            args,
			Env:             env,
			Cwd:             cwd,
			NoNewPrivileges: true,
		},
		Mounts: standardMounts(opts.HostConfig),
		Linux: &specs.Linux{
			Namespaces:  namespaces(opts.HostConfig),
			CgroupsPath: cgroupPath(id),
		},
	}

	return spec, nil
}

// processArgs implements §4.4 step 4's entrypoint/cmd merge: a non-empty
// user entrypoint overrides the image's wholesale and is followed by cmd
// (user cmd if set, else the image's); if entrypoint is empty, cmd alone
// is the process args, falling back to a shell.
func processArgs(cfg Config) []string {
	if len(cfg.Entrypoint) > 0 {
		args := append([]string{}, cfg.Entrypoint...)
		return append(args, cfg.Cmd...)
	}
	if len(cfg.Cmd) > 0 {
		return append([]string{}, cfg.Cmd...)
	}
	return []string{"/bin/sh"}
}

// mergeEnv implements §4.4's order-preserving env merge: image-config
// entries in declaration order, then user-extra entries in declaration
// order, with same-key entries replacing the earlier one in place rather
// than moving to the end. cfg.Env is assumed to already hold the image
// config's env followed by the user's extra entries, pre-merged by the
// container package's Create path, which only concatenates them and
// leaves the key merge to this function. Exec does not use it: its extra
// env entries are passed to `runc exec` as-is.
func mergeEnv(entries []string) []string {
	if len(entries) == 0 {
		return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}

	order := make([]string, 0, len(entries))
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			k, v = e, ""
		}
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = v
	}

	out := make([]string, len(order))
	for i, k := range order {
		out[i] = k + "=" + values[k]
	}
	return out
}

// parseUser parses a "uid[:gid]" string, defaulting to 0:0. A missing gid
// defaults to the parsed uid, matching the Rust original's rule.
func parseUser(user string) (uint32, uint32, error) {
	if user == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", parts[0], err)
	}
	gid := uid
	if len(parts) == 2 {
		g, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid gid %q: %w", parts[1], err)
		}
		gid = g
	}
	return uint32(uid), uint32(gid), nil
}

// standardMounts returns the fixed proc/dev/devpts/shm/sysfs mount set
// plus any user bind mounts, per §4.4 step 4.
func standardMounts(hc HostConfig) []specs.Mount {
	mounts := []specs.Mount{
		{Destination: "/proc", Type: "proc", Source: "proc"},
		{
			Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{
			Destination: "/dev/pts", Type: "devpts", Source: "devpts",
			Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		{
			Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
			Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
		},
		{
			Destination: "/sys", Type: "sysfs", Source: "sysfs",
			Options: []string{"nosuid", "noexec", "nodev", "ro"},
		},
	}

	for _, bind := range hc.Binds {
		parts := strings.Split(bind, ":")
		if len(parts) < 2 {
			continue
		}
		options := []string{"rbind", "rprivate"}
		if len(parts) > 2 {
			options = strings.Split(parts[2], ",")
		}
		mounts = append(mounts, specs.Mount{
			Destination: parts[1],
			Type:        "bind",
			Source:      parts[0],
			Options:     options,
		})
	}

	return mounts
}

// cgroupPath is the unified-hierarchy cgroup path runc creates for the
// container's init process, namespaced under a fixed parent so this
// daemon's containers are easy to find and are never confused with
// another runtime's.
func cgroupPath(id string) string {
	return "/ross/" + id
}

// namespaces returns the always-present PID/IPC/UTS/Mount namespaces plus
// a private network namespace, unless host networking was selected.
func namespaces(hc HostConfig) []specs.LinuxNamespace {
	ns := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.IPCNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.MountNamespace},
	}
	if hc.NetworkMode != "host" {
		ns = append(ns, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return ns
}
