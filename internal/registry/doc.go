// Package registry implements the client side of the OCI Distribution v2
// protocol: reference parsing and canonicalization, bearer-token
// authentication with a per-scope token cache, and manifest/blob
// retrieval with platform selection.
//
//	ref, err := registry.ParseReference("nginx:1.21")
//	client := registry.NewClient(nil)
//	manifest, _, err := client.GetManifestForPlatform(ctx, ref, "linux", "amd64")
package registry
