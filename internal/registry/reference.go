package registry

import (
	"fmt"
	"strings"

	distref "github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// defaultRegistry and defaultNamespace are the canonical values spec.md's
// reference-parsing table assigns to unqualified references such as
// "nginx" or "user/app".
const (
	defaultRegistry  = "docker.io"
	defaultNamespace = "library"
	defaultTag       = "latest"
)

// Reference is a fully canonicalized image reference: a registry host, a
// repository path, and either a tag or a pinning digest (never both).
type Reference struct {
	Registry   string
	Repository string
	Tag        string        // empty when Digest is set
	Digest     digest.Digest // empty when Tag is set
}

// TagOrDigest returns the tag if set, otherwise the digest string, for use
// as the path segment in a manifest-fetch URL.
func (r Reference) TagOrDigest() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	if r.Tag != "" {
		return r.Tag
	}
	return defaultTag
}

// String renders the reference in display form, e.g. "gcr.io/project/image:v1".
func (r Reference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.TagOrDigest())
}

// withDigest returns a copy of r pinned to d instead of any tag, used when
// resolving a manifest index to a specific platform's manifest.
func (r Reference) withDigest(d digest.Digest) Reference {
	r.Tag = ""
	r.Digest = d
	return r
}

// ParseReference canonicalizes an image reference per spec.md's exhaustive
// table:
//
//	nginx                       -> docker.io, library/nginx, latest
//	nginx:1.21                  -> docker.io, library/nginx, 1.21
//	user/app                    -> docker.io, user/app, latest
//	gcr.io/project/image:v1     -> gcr.io, project/image, v1
//	host:5000/app               -> host:5000, app, latest
//	repo@sha256:<hex>           -> registry, repo, digest-pinned (tag empty)
//
// A path component before the first "/" is a registry iff it contains a
// "." or a ":", or is exactly "localhost"; otherwise the whole string is
// the repository and the docker.io/library defaults apply.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	var namePart, digestPart string
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		namePart, digestPart = s[:idx], s[idx+1:]
	} else {
		namePart = s
	}

	var tag string
	if digestPart == "" {
		if idx := strings.LastIndex(namePart, ":"); idx >= 0 {
			candidate := namePart[idx+1:]
			if !strings.Contains(candidate, "/") {
				tag = candidate
				namePart = namePart[:idx]
			}
		}
	}

	var registry, repository string
	if idx := strings.Index(namePart, "/"); idx >= 0 {
		first := namePart[:idx]
		if looksLikeRegistry(first) {
			registry = first
			repository = namePart[idx+1:]
		} else {
			registry = defaultRegistry
			repository = namePart
		}
	} else {
		registry = defaultRegistry
		repository = defaultNamespace + "/" + namePart
	}

	if !distref.NameRegexp.MatchString(repository) {
		return Reference{}, fmt.Errorf("%w: %q is not a valid repository name", ErrInvalidReference, repository)
	}

	ref := Reference{Registry: registry, Repository: repository, Tag: tag}

	if digestPart != "" {
		d, err := digest.Parse(digestPart)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %w", ErrInvalidReference, err)
		}
		ref.Digest = d
		ref.Tag = ""
	} else if ref.Tag == "" {
		ref.Tag = defaultTag
	}

	return ref, nil
}

func looksLikeRegistry(s string) bool {
	return strings.Contains(s, ".") || strings.Contains(s, ":") || s == "localhost"
}
