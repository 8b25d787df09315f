package shim

import (
	"reflect"
	"testing"
)

func TestProcessArgsEntrypointAndCmd(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want []string
	}{
		{"entrypoint only", Config{Entrypoint: []string{"/bin/myapp"}}, []string{"/bin/myapp"}},
		{"entrypoint and cmd", Config{Entrypoint: []string{"/bin/myapp"}, Cmd: []string{"--flag"}}, []string{"/bin/myapp", "--flag"}},
		{"cmd only", Config{Cmd: []string{"/bin/sh", "-c", "echo hi"}}, []string{"/bin/sh", "-c", "echo hi"}},
		{"neither", Config{}, []string{"/bin/sh"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := processArgs(c.cfg)
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("processArgs(%+v) = %v, want %v", c.cfg, got, c.want)
			}
		})
	}
}

func TestMergeEnvOrderPreservingOverride(t *testing.T) {
	entries := []string{"PATH=/usr/bin", "FOO=image", "FOO=override", "BAR=extra"}
	got := mergeEnv(entries)
	want := []string{"PATH=/usr/bin", "FOO=override", "BAR=extra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
}

func TestMergeEnvDefaultsPathWhenEmpty(t *testing.T) {
	got := mergeEnv(nil)
	if len(got) != 1 || got[0][:5] != "PATH=" {
		t.Errorf("mergeEnv(nil) = %v, want a single default PATH entry", got)
	}
}

func TestParseUser(t *testing.T) {
	cases := []struct {
		in      string
		uid     uint32
		gid     uint32
		wantErr bool
	}{
		{"", 0, 0, false},
		{"1000", 1000, 1000, false},
		{"1000:1001", 1000, 1001, false},
		{"notanumber", 0, 0, true},
	}
	for _, c := range cases {
		uid, gid, err := parseUser(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseUser(%q) expected error, got nil", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseUser(%q) unexpected error: %v", c.in, err)
			continue
		}
		if uid != c.uid || gid != c.gid {
			t.Errorf("parseUser(%q) = (%d, %d), want (%d, %d)", c.in, uid, gid, c.uid, c.gid)
		}
	}
}

func TestGenerateSpecRootAndProcess(t *testing.T) {
	opts := CreateOpts{
		Name: "test",
		Config: Config{
			Image:      "example/image",
			Cmd:        []string{"/bin/sh", "-c", "sleep 1"},
			Env:        []string{"FOO=bar"},
			WorkingDir: "/app",
			User:       "1000:1000",
		},
	}
	spec, err := generateSpec(opts, "abc", "/var/lib/ross/containers/abc/bundle/rootfs")
	if err != nil {
		t.Fatalf("generateSpec: %v", err)
	}
	if spec.Root.Path != "/var/lib/ross/containers/abc/bundle/rootfs" {
		t.Errorf("Root.Path = %q", spec.Root.Path)
	}
	if !reflect.DeepEqual(spec.Process.Args, []string{"/bin/sh", "-c", "sleep 1"}) {
		t.Errorf("Process.Args = %v", spec.Process.Args)
	}
	if spec.Process.Cwd != "/app" {
		t.Errorf("Process.Cwd = %q, want /app", spec.Process.Cwd)
	}
	if spec.Process.User.UID != 1000 || spec.Process.User.GID != 1000 {
		t.Errorf("Process.User = %+v", spec.Process.User)
	}
	if len(spec.Linux.Namespaces) == 0 {
		t.Error("expected namespaces to be populated")
	}
}

func TestGenerateSpecHostNetworkSkipsNetNamespace(t *testing.T) {
	opts := CreateOpts{
		Config:     Config{Cmd: []string{"/bin/true"}},
		HostConfig: HostConfig{NetworkMode: "host"},
	}
	spec, err := generateSpec(opts, "hostnet", "/rootfs")
	if err != nil {
		t.Fatalf("generateSpec: %v", err)
	}
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == "network" {
			t.Error("host network mode should not request a network namespace")
		}
	}
}
