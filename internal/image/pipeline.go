package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/cruciblehq/ross/internal/registry"
	"github.com/cruciblehq/ross/internal/snapshot"
	"github.com/cruciblehq/ross/internal/store"
)

const defaultMaxConcurrentDownloads = 3

// Puller implements the pull pipeline of spec.md §4.5: resolve a
// reference against an upstream registry, persist its manifest, config,
// and layer blobs content-addressably, tag the result, and extract every
// layer into the snapshot tree bottom-up.
type Puller struct {
	store    *store.Store
	registry *registry.Client
	snap     *snapshot.Snapshotter

	maxConcurrentDownloads int
}

// NewPuller returns a Puller. maxConcurrentDownloads <= 0 defaults to 3,
// matching spec.md's stated default.
func NewPuller(st *store.Store, reg *registry.Client, snap *snapshot.Snapshotter, maxConcurrentDownloads int) *Puller {
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = defaultMaxConcurrentDownloads
	}
	return &Puller{store: st, registry: reg, snap: snap, maxConcurrentDownloads: maxConcurrentDownloads}
}

// Pull resolves referenceStr and streams progress events describing each
// stage. A referenceStr that does not parse is returned as an error and
// no channel is produced. Otherwise the returned channel is always closed
// once the pull finishes, and a failure is reported as a final event
// carrying Error, not as a returned error, so callers can render a
// partial event log up to the point of failure.
func (p *Puller) Pull(ctx context.Context, referenceStr string) (<-chan PullProgress, error) {
	ref, err := registry.ParseReference(referenceStr)
	if err != nil {
		return nil, classify(fmt.Errorf("%w: %w", ErrInvalidReference, err))
	}

	events := make(chan PullProgress, 16)
	go p.run(ctx, ref, events)
	return events, nil
}

func (p *Puller) run(ctx context.Context, ref registry.Reference, events chan<- PullProgress) {
	defer close(events)

	emit := func(id, status string) {
		select {
		case events <- PullProgress{ID: id, Status: status}:
		case <-ctx.Done():
		}
	}
	emitf := func(id, status, progress string) {
		select {
		case events <- PullProgress{ID: id, Status: status, Progress: progress}:
		case <-ctx.Done():
		}
	}
	fail := func(id string, err error) {
		select {
		case events <- PullProgress{ID: id, Error: err.Error()}:
		case <-ctx.Done():
		}
	}

	// Step 1: Resolve.
	emit(ref.String(), "Resolving")

	// Step 2: Manifest.
	manifestResp, _, err := p.registry.GetManifestForPlatform(ctx, ref, "linux", runtime.GOARCH)
	if err != nil {
		fail(ref.String(), fmt.Errorf("get manifest: %w", err))
		return
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestResp.Body, &manifest); err != nil {
		fail(ref.String(), fmt.Errorf("decode manifest: %w", err))
		return
	}
	emit(ref.String(), fmt.Sprintf("Resolved digest: %s", manifestResp.Digest))

	// Step 3: Config.
	shortConfigID := shortID(manifest.Config.Digest.String())
	emit(shortConfigID, "Pulling config")
	configBytes, err := p.registry.GetBlobBytes(ctx, ref, manifest.Config.Digest)
	if err != nil {
		fail(shortConfigID, fmt.Errorf("pull config: %w", err))
		return
	}
	if _, _, err := p.store.PutBlob(ctx, manifest.Config.MediaType, bytes.NewReader(configBytes), manifest.Config.Digest); err != nil {
		fail(shortConfigID, fmt.Errorf("store config: %w", err))
		return
	}
	emit(shortConfigID, "Pull complete")

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	upToDate := p.alreadyUpToDate(ref.Repository, tag, manifestResp.Digest, manifest.Layers)
	if upToDate {
		emit(ref.String(), "Already up to date")
	} else {
		// Step 4: Layers (parallel, bounded).
		if err := p.fetchLayers(ctx, ref, manifest.Layers, emitf, emit); err != nil {
			fail(ref.String(), err)
			return
		}

		// Step 5: Manifest write.
		if _, _, err := p.store.PutManifest(ctx, manifestResp.MediaType, bytes.NewReader(manifestResp.Body)); err != nil {
			fail(ref.String(), fmt.Errorf("store manifest: %w", err))
			return
		}

		// Step 6: Tag.
		if _, err := p.store.SetTag(ref.Repository, tag, manifestResp.Digest); err != nil {
			fail(ref.String(), fmt.Errorf("set tag: %w", err))
			return
		}
		emit(ref.String(), fmt.Sprintf("Digest: %s", manifestResp.Digest))

		// Step 7: Extraction (sequential, bottom-up).
		if err := p.extractLayers(ctx, ref, manifest.Layers, emit); err != nil {
			fail(ref.String(), err)
			return
		}
	}

	// Step 8: Finalize.
	if upToDate {
		emit(ref.String(), fmt.Sprintf("Status: Image is up to date for %s", ref.String()))
	} else {
		emit(ref.String(), fmt.Sprintf("Status: Downloaded newer image for %s", ref.String()))
	}
}

// alreadyUpToDate implements the short-circuit condition of spec.md §4.5:
// the tag must already resolve to manifestDigest, and every layer blob
// and its committed snapshot must already exist.
func (p *Puller) alreadyUpToDate(repository, tag string, manifestDigest digest.Digest, layers []ocispec.Descriptor) bool {
	existing, _, err := p.store.ResolveTag(repository, tag)
	if err != nil || existing != manifestDigest {
		return false
	}
	for _, layer := range layers {
		if !p.store.HasBlob(layer.Digest) {
			return false
		}
		if _, err := p.snap.Stat(layer.Digest.String()); err != nil {
			return false
		}
	}
	return true
}

// fetchLayers runs step 4: a semaphore of size maxConcurrentDownloads
// bounds simultaneous fetches; any layer failure cancels the rest via
// the errgroup's derived context.
func (p *Puller) fetchLayers(ctx context.Context, ref registry.Reference, layers []ocispec.Descriptor, emitf func(id, status, progress string), emit func(id, status string)) error {
	sem := make(chan struct{}, p.maxConcurrentDownloads)
	g, gctx := errgroup.WithContext(ctx)
	total := len(layers)

	for i, layer := range layers {
		i, layer := i, layer
		id := shortID(layer.Digest.String())

		if p.store.HasBlob(layer.Digest) {
			emit(id, "Already exists")
			continue
		}

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			emitf(id, "Downloading", fmt.Sprintf("[%d/%d]", i+1, total))
			rc, err := p.registry.GetBlob(gctx, ref, layer.Digest)
			if err != nil {
				return fmt.Errorf("layer %s: %w", id, err)
			}
			defer rc.Close()

			if _, _, err := p.store.PutBlob(gctx, layer.MediaType, rc, layer.Digest); err != nil {
				return fmt.Errorf("layer %s: store: %w", id, err)
			}
			emit(id, "Download complete")
			emit(id, "Pull complete")
			return nil
		})
	}

	return g.Wait()
}

// extractLayers runs step 7: layers extract strictly bottom-up (manifest
// order), each chained to the previous layer's committed snapshot key. A
// layer digest already holding a Committed snapshot is skipped outright —
// this is what lets two pulls sharing a layer (different tags, or a
// concurrent second pull) both succeed instead of one losing a
// Prepare/Commit race on the shared committed key.
func (p *Puller) extractLayers(ctx context.Context, ref registry.Reference, layers []ocispec.Descriptor, emit func(id, status string)) error {
	total := len(layers)
	var parentKey string
	for i, layer := range layers {
		id := shortID(layer.Digest.String())
		committedKey := layer.Digest.String()

		if info, err := p.snap.Stat(committedKey); err == nil && info.Kind == snapshot.KindCommitted {
			emit(id, "Already exists")
			parentKey = committedKey
			continue
		}

		emit(id, fmt.Sprintf("Extracting layer %d/%d", i+1, total))

		data, err := p.store.GetBlob(ctx, layer.Digest, 0, -1)
		if err != nil {
			return fmt.Errorf("layer %s: read blob: %w", id, err)
		}

		labels := map[string]string{
			"image":       ref.String(),
			"layer.index": strconv.Itoa(i),
		}
		if _, size, err := p.snap.ExtractLayer(ctx, bytes.NewReader(data), parentKey, committedKey, labels); err != nil {
			return fmt.Errorf("layer %s: extract: %w", id, err)
		} else {
			emit(id, fmt.Sprintf("Extracted (%d bytes)", size))
		}
		parentKey = committedKey
	}
	return nil
}

// shortID mirrors the original pull implementation's truncated id: the
// 12 hex characters following the "sha256:" prefix, falling back to the
// full string for anything shorter.
func shortID(d string) string {
	if len(d) > 19 {
		return d[7:19]
	}
	return d
}
