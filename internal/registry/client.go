package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	platforms "github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"
)

// Manifest media types accepted on manifest fetch, per spec.md §6.
var acceptManifestTypes = []string{
	ocispec.MediaTypeImageManifest,
	ocispec.MediaTypeImageIndex,
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
}

const userAgent = "ross/0.1 (+container runtime)"

// Credentials supplies Basic auth for the token-exchange request (step 3
// of the auth flow), used only when a registry requires authenticated
// token issuance.
type Credentials struct {
	Username string
	Password string
}

// Manifest is a fetched manifest or index together with the digest the
// server reported (or, absent that header, the locally computed digest)
// and its content type.
type Manifest struct {
	Digest    digest.Digest
	MediaType string
	Body      []byte
}

// Client implements the OCI Distribution v2 protocol client side:
// reference-scoped bearer-token authentication with a shared cache, and
// manifest/blob retrieval.
type Client struct {
	http  *http.Client
	creds func(registry string) Credentials

	mu     sync.RWMutex
	tokens map[string]string // keyed by "registry/scope"

	group singleflight.Group // per (registry, scope) token refresh
}

// NewClient returns a Client. creds may be nil, in which case token
// exchange proceeds without Basic auth (anonymous pull).
func NewClient(creds func(registry string) Credentials) *Client {
	if creds == nil {
		creds = func(string) Credentials { return Credentials{} }
	}
	return &Client{
		http:   &http.Client{CheckRedirect: dropAuthorizationCrossHost},
		creds:  creds,
		tokens: make(map[string]string),
	}
}

// dropAuthorizationCrossHost implements spec.md §4.2's blob-redirect rule:
// the Authorization header survives a redirect only when the target host
// matches the original request's host.
func dropAuthorizationCrossHost(req *http.Request, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	if req.URL.Host != via[0].URL.Host {
		req.Header.Del("Authorization")
	}
	if len(via) >= 10 {
		return fmt.Errorf("registry: stopped after 10 redirects")
	}
	return nil
}

func registryBaseURL(registryHost string) string {
	if strings.HasPrefix(registryHost, "localhost") || strings.HasPrefix(registryHost, "127.0.0.1") {
		return "http://" + registryHost
	}
	return "https://" + registryHost
}

func (c *Client) cachedToken(registry, scope string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[registry+"/"+scope]
	return t, ok
}

func (c *Client) storeToken(registry, scope, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[registry+"/"+scope] = token
}

// authenticate performs steps 2-4 of the bearer-auth flow: parse the
// challenge from a 401 response, exchange it for a bearer token at the
// advertised realm, and cache it keyed by (registry, scope). Concurrent
// callers for the same key share one in-flight token request.
func (c *Client) authenticate(ctx context.Context, registryHost string, challenge string, repository string) (string, error) {
	params := parseAuthParams(challenge)
	realm := params["realm"]
	service := params["service"]
	scope := params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", repository)
	}
	if realm == "" {
		return "", fmt.Errorf("%w: missing realm in challenge", ErrAuthFailed)
	}

	key := registryHost + "|" + scope
	v, err, _ := c.group.Do(key, func() (any, error) {
		u, err := url.Parse(realm)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid realm %q: %w", ErrAuthFailed, realm, err)
		}
		q := u.Query()
		if service != "" {
			q.Set("service", service)
		}
		q.Set("scope", scope)
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		if creds := c.creds(registryHost); creds.Username != "" {
			req.SetBasicAuth(creds.Username, creds.Password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: token exchange: %w", ErrAuthFailed, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailed, resp.StatusCode)
		}

		var tr struct {
			Token       string `json:"token"`
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("%w: decode token response: %w", ErrAuthFailed, err)
		}
		token := tr.Token
		if token == "" {
			token = tr.AccessToken
		}
		if token == "" {
			return nil, fmt.Errorf("%w: empty token in response", ErrAuthFailed)
		}

		c.storeToken(registryHost, scope, token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// parseAuthParams extracts realm/service/scope from a
// `WWW-Authenticate: Bearer realm="...",service="...",scope="..."` header.
func parseAuthParams(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// requestWithAuth issues a GET to url with Accept and, if cached, a bearer
// token for scope. On a 401, it authenticates and retries exactly once;
// a second 401 fails with ErrAuthFailed.
func (c *Client) requestWithAuth(ctx context.Context, registryHost, repository, rawURL string, accept []string) (*http.Response, error) {
	scope := fmt.Sprintf("repository:%s:pull", repository)

	build := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		if len(accept) > 0 {
			req.Header.Set("Accept", strings.Join(accept, ", "))
		}
		if token, ok := c.cachedToken(registryHost, scope); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}

	resp, err := doWithRetry(ctx, c.http, build)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		if _, err := c.authenticate(ctx, registryHost, challenge, repository); err != nil {
			return nil, err
		}

		resp, err = doWithRetry(ctx, c.http, build)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, ErrAuthFailed
		}
	}

	return resp, nil
}

// GetManifest fetches the manifest or index for ref.
func (c *Client) GetManifest(ctx context.Context, ref Reference) (Manifest, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", registryBaseURL(ref.Registry), ref.Repository, ref.TagOrDigest())

	resp, err := c.requestWithAuth(ctx, ref.Registry, ref.Repository, u, acceptManifestTypes)
	if err != nil {
		return Manifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("%s: %w", ref, ErrManifestNotFound)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: read manifest body: %w", ErrRegistry, err)
	}

	d := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if d == "" {
		d = digest.FromBytes(body)
	}

	return Manifest{
		Digest:    d,
		MediaType: resp.Header.Get("Content-Type"),
		Body:      body,
	}, nil
}

// GetManifestForPlatform fetches ref's manifest and, if it is an index,
// selects and fetches the per-platform manifest matching os/arch.
func (c *Client) GetManifestForPlatform(ctx context.Context, ref Reference, osName, arch string) (Manifest, *ocispec.Index, error) {
	m, err := c.GetManifest(ctx, ref)
	if err != nil {
		return Manifest{}, nil, err
	}

	if !isIndexMediaType(m.MediaType) {
		return m, nil, nil
	}

	var idx ocispec.Index
	if err := json.Unmarshal(m.Body, &idx); err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: decode index: %w", ErrRegistry, err)
	}

	matcher := platforms.NewMatcher(ocispec.Platform{OS: osName, Architecture: arch})
	for _, desc := range idx.Manifests {
		if desc.Platform == nil {
			continue
		}
		if matcher.Match(*desc.Platform) {
			platformRef := ref.withDigest(desc.Digest)
			platformManifest, err := c.GetManifest(ctx, platformRef)
			if err != nil {
				return Manifest{}, nil, err
			}
			return platformManifest, &idx, nil
		}
	}

	return Manifest{}, nil, fmt.Errorf("%s/%s: %w", osName, arch, ErrPlatformUnavailable)
}

func isIndexMediaType(mt string) bool {
	return strings.Contains(mt, "manifest.list") || strings.Contains(mt, "image.index")
}

// GetBlob streams a blob's bytes. Digest verification is the caller's
// responsibility (performed by store.PutBlob).
func (c *Client) GetBlob(ctx context.Context, ref Reference, d digest.Digest) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", registryBaseURL(ref.Registry), ref.Repository, d)

	resp, err := c.requestWithAuth(ctx, ref.Registry, ref.Repository, u, []string{"application/octet-stream"})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", d, ErrBlobNotFound)
	}
	return resp.Body, nil
}

// GetBlobBytes is a convenience wrapper around GetBlob that reads the
// entire body, used for image-config fetches (small, single read).
func (c *Client) GetBlobBytes(ctx context.Context, ref Reference, d digest.Digest) ([]byte, error) {
	rc, err := c.GetBlob(ctx, ref, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
