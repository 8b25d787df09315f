package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

// newTestRegistry wires up a token endpoint and a registry endpoint that
// requires a bearer token minted by the former, mimicking the two-legged
// challenge/exchange flow of spec.md §4.2.
func newTestRegistry(t *testing.T, manifestBody []byte, manifestMediaType string, blobBody []byte) (*httptest.Server, *httptest.Server) {
	t.Helper()

	const validToken = "test-token-123"

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("service") == "" {
			t.Errorf("token request missing service param")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q}`, validToken)
	}))
	t.Cleanup(token.Close)

	var reg *httptest.Server
	reg = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+validToken {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q,service="registry",scope="repository:app:pull"`, token.URL+"/token"))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case strings.Contains(r.URL.Path, "/manifests/"):
			w.Header().Set("Content-Type", manifestMediaType)
			w.Header().Set("Docker-Content-Digest", digest.FromBytes(manifestBody).String())
			w.Write(manifestBody)
		case strings.Contains(r.URL.Path, "/blobs/"):
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(blobBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(reg.Close)

	return reg, token
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	return u.Host
}

func TestClientGetManifestAuthenticatesOnChallenge(t *testing.T) {
	body := []byte(`{"schemaVersion":2}`)
	reg, _ := newTestRegistry(t, body, "application/vnd.oci.image.manifest.v1+json", nil)

	c := NewClient(nil)
	ref := Reference{Registry: hostOf(t, reg.URL), Repository: "app", Tag: "latest"}

	m, err := c.GetManifest(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if string(m.Body) != string(body) {
		t.Errorf("Body = %q, want %q", m.Body, body)
	}
	if m.Digest != digest.FromBytes(body) {
		t.Errorf("Digest = %q, want %q", m.Digest, digest.FromBytes(body))
	}

	// Second request should reuse the cached token without hitting /token again.
	if _, err := c.GetManifest(context.Background(), ref); err != nil {
		t.Fatalf("second GetManifest: %v", err)
	}
}

func TestClientGetBlob(t *testing.T) {
	blob := []byte("layer-contents")
	reg, _ := newTestRegistry(t, nil, "", blob)

	c := NewClient(nil)
	ref := Reference{Registry: hostOf(t, reg.URL), Repository: "app", Tag: "latest"}

	got, err := c.GetBlobBytes(context.Background(), ref, digest.FromBytes(blob))
	if err != nil {
		t.Fatalf("GetBlobBytes: %v", err)
	}
	if string(got) != string(blob) {
		t.Errorf("blob = %q, want %q", got, blob)
	}
}

func TestClientManifestNotFound(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(notFound.Close)

	c := NewClient(nil)
	ref := Reference{Registry: hostOf(t, notFound.URL), Repository: "missing", Tag: "latest"}

	_, err := c.GetManifest(context.Background(), ref)
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestParseAuthParams(t *testing.T) {
	got := parseAuthParams(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:app:pull"`)
	want := map[string]string{
		"realm":   "https://auth.example.com/token",
		"service": "registry.example.com",
		"scope":   "repository:app:pull",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("params[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestDropAuthorizationCrossHost(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/v2/app/blobs/sha256:abc", nil)
	redirected, _ := http.NewRequest(http.MethodGet, "https://cdn.example.com/blob-data", nil)
	redirected.Header.Set("Authorization", "Bearer secret")

	if err := dropAuthorizationCrossHost(redirected, []*http.Request{orig}); err != nil {
		t.Fatalf("dropAuthorizationCrossHost: %v", err)
	}
	if redirected.Header.Get("Authorization") != "" {
		t.Error("Authorization header should be dropped on cross-host redirect")
	}

	sameHost, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/v2/app/blobs/other", nil)
	sameHost.Header.Set("Authorization", "Bearer secret")
	if err := dropAuthorizationCrossHost(sameHost, []*http.Request{orig}); err != nil {
		t.Fatalf("dropAuthorizationCrossHost: %v", err)
	}
	if sameHost.Header.Get("Authorization") == "" {
		t.Error("Authorization header should survive same-host redirect")
	}
}
