package registry

import "testing"

func TestParseReference(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		wantRegistry   string
		wantRepository string
		wantTag        string
		wantDigest     bool
	}{
		{"bare name", "nginx", "docker.io", "library/nginx", "latest", false},
		{"bare name with tag", "nginx:1.21", "docker.io", "library/nginx", "1.21", false},
		{"user namespace", "user/app", "docker.io", "user/app", "latest", false},
		{"custom registry with tag", "gcr.io/project/image:v1", "gcr.io", "project/image", "v1", false},
		{"host with port, no registry-looking repo", "host:5000/app", "host:5000", "app", "latest", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseReference(tt.input)
			if err != nil {
				t.Fatalf("ParseReference(%q): %v", tt.input, err)
			}
			if ref.Registry != tt.wantRegistry {
				t.Errorf("Registry = %q, want %q", ref.Registry, tt.wantRegistry)
			}
			if ref.Repository != tt.wantRepository {
				t.Errorf("Repository = %q, want %q", ref.Repository, tt.wantRepository)
			}
			if ref.Tag != tt.wantTag {
				t.Errorf("Tag = %q, want %q", ref.Tag, tt.wantTag)
			}
		})
	}
}

func TestParseReferenceDigestPinned(t *testing.T) {
	const hex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	ref, err := ParseReference("myrepo/app@sha256:" + hex)
	if err != nil {
		t.Fatalf("ParseReference: %v", err)
	}
	if ref.Tag != "" {
		t.Errorf("Tag = %q, want empty for digest-pinned reference", ref.Tag)
	}
	if ref.Digest.String() != "sha256:"+hex {
		t.Errorf("Digest = %q, want sha256:%s", ref.Digest, hex)
	}
	if ref.Registry != defaultRegistry {
		t.Errorf("Registry = %q, want %q", ref.Registry, defaultRegistry)
	}
}

func TestParseReferenceRejectsInvalidRepository(t *testing.T) {
	if _, err := ParseReference("UPPERCASE/NOTVALID"); err == nil {
		t.Fatal("expected error for invalid repository name")
	}
}
