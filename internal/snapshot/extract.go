package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
)

const (
	whiteoutPrefix    = ".wh."
	whiteoutOpaqueDir = whiteoutPrefix + whiteoutPrefix + ".opq"
)

// extractWaitInterval is the polling interval ExtractLayer uses while
// waiting for a concurrent extractor of the same layer digest to finish.
const extractWaitInterval = 25 * time.Millisecond

// extractWaitAttempts bounds how long ExtractLayer waits for a concurrent
// extractor before giving up (5s at extractWaitInterval).
const extractWaitAttempts = 200

// ExtractLayer implements §4.3.2: it prepares a temporary Active snapshot
// chained to parentKey, decompresses and unpacks blob as an OCI layer tar,
// applying whiteout/opaque semantics, then commits it under committedKey.
// On any error the temporary snapshot is removed and no partial state
// survives.
//
// committedKey is content-derived (a layer digest), so two pulls that
// share a layer (different tags, or a concurrent second pull) may both
// reach here for the same key. If committedKey is already Committed, the
// call is a no-op success. Otherwise, if another extractor currently
// holds the shared temp key, this call waits for it to either commit
// (success) or free the key by failing (retry), rather than failing the
// whole pull on AlreadyExists.
func (s *Snapshotter) ExtractLayer(ctx context.Context, blob io.Reader, parentKey, committedKey string, labels map[string]string) (string, int64, error) {
	if info, err := s.Stat(committedKey); err == nil && info.Kind == KindCommitted {
		return committedKey, 0, nil
	}

	tempKey := committedKey + "-extract"

	for attempt := 0; ; attempt++ {
		_, err := s.Prepare(tempKey, parentKey, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrAlreadyExists) {
			return "", 0, fmt.Errorf("prepare extraction snapshot: %w", err)
		}
		if info, statErr := s.Stat(committedKey); statErr == nil && info.Kind == KindCommitted {
			return committedKey, 0, nil
		}
		if attempt >= extractWaitAttempts {
			return "", 0, fmt.Errorf("%s: %w: timed out waiting for concurrent extraction", committedKey, ErrAlreadyExists)
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(extractWaitInterval):
		}
	}

	size, err := s.unpack(ctx, tempKey, blob)
	if err != nil {
		s.Remove(tempKey)
		return "", 0, err
	}

	if err := s.Commit(committedKey, tempKey, labels); err != nil {
		s.Remove(tempKey)
		if errors.Is(err, ErrAlreadyExists) {
			return committedKey, size, nil
		}
		return "", 0, fmt.Errorf("commit extracted layer: %w", err)
	}

	return committedKey, size, nil
}

// unpack decompresses and iterates the tar entries of blob, writing them
// into key's fs/ directory. All paths are resolved with SecureJoin so
// that no entry (directly or via a symlinked intermediate component) can
// escape fs/.
func (s *Snapshotter) unpack(ctx context.Context, key string, blob io.Reader) (int64, error) {
	fsRoot := s.fsDir(key)

	gzr, err := gzip.NewReader(blob)
	if err != nil {
		return 0, fmt.Errorf("open gzip layer: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var size int64
	var opaqueDirs, whiteouts []string

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}

		cleaned := filepath.Clean(hdr.Name)
		if cleaned == "." {
			continue
		}
		if filepath.IsAbs(hdr.Name) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return 0, fmt.Errorf("%s: %w", hdr.Name, ErrMaliciousArchive)
		}

		target, err := securejoin.SecureJoin(fsRoot, cleaned)
		if err != nil {
			return 0, fmt.Errorf("%s: %w: %w", hdr.Name, ErrMaliciousArchive, err)
		}

		base := filepath.Base(cleaned)
		dir := filepath.Dir(cleaned)

		if base == whiteoutOpaqueDir {
			dirTarget, err := securejoin.SecureJoin(fsRoot, dir)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", hdr.Name, ErrMaliciousArchive)
			}
			if err := os.MkdirAll(dirTarget, 0o755); err != nil {
				return 0, fmt.Errorf("mark opaque dir: %w", err)
			}
			opaqueDirs = append(opaqueDirs, dir)
			if s.overlaySupported {
				if err := markOpaque(dirTarget); err != nil {
					return 0, fmt.Errorf("mark opaque dir: %w", err)
				}
			}
			continue
		}

		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
			victimTarget, err := securejoin.SecureJoin(fsRoot, victim)
			if err != nil {
				return 0, fmt.Errorf("%s: %w", hdr.Name, ErrMaliciousArchive)
			}
			whiteouts = append(whiteouts, victim)
			if err := os.RemoveAll(victimTarget); err != nil {
				return 0, fmt.Errorf("apply whiteout %s: %w", victim, err)
			}
			if s.overlaySupported {
				if err := writeOverlayWhiteout(victimTarget); err != nil {
					return 0, fmt.Errorf("write whiteout device: %w", err)
				}
			}
			continue
		}

		if err := writeEntry(fsRoot, target, hdr, tr); err != nil {
			return 0, fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		size += hdr.Size
	}

	if len(opaqueDirs) > 0 || len(whiteouts) > 0 {
		if err := s.recordWhiteouts(key, opaqueDirs, whiteouts); err != nil {
			return 0, err
		}
	}

	return size, nil
}

// recordWhiteouts persists the whiteout/opaque paths applied during
// extraction into the snapshot's metadata, so the flat-rootfs backend can
// re-apply them when flattening a parent chain (the entries themselves
// are never written to fs/, per §4.3.2 step 5).
func (s *Snapshotter) recordWhiteouts(key string, opaqueDirs, whiteouts []string) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	info, ok := s.lookup(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	info.OpaqueDirs = append(info.OpaqueDirs, opaqueDirs...)
	info.Whiteouts = append(info.Whiteouts, whiteouts...)

	if err := writeMetadata(s.metadataPath(key), &info); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	s.mu.Lock()
	s.index[key] = &info
	s.mu.Unlock()
	return nil
}

func writeEntry(fsRoot, target string, hdr *tar.Header, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		if fi, err := os.Lstat(target); err == nil && fi.IsDir() {
			// merge: fall through to metadata application below
		} else if err := os.MkdirAll(target, os.FileMode(hdr.Mode&0o7777)); err != nil {
			return err
		}
	case tar.TypeReg, tar.TypeRegA:
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o7777))
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(f, r)
		closeErr := f.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	case tar.TypeSymlink:
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}
	case tar.TypeLink:
		// hdr.Linkname for a hardlink is a path relative to the archive
		// root (fsRoot), not to this entry's own directory.
		linkTarget, err := securejoin.SecureJoin(fsRoot, filepath.Clean(hdr.Linkname))
		if err != nil {
			return fmt.Errorf("%s: %w", hdr.Linkname, ErrMaliciousArchive)
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		if err := os.Link(linkTarget, target); err != nil {
			return err
		}
	default:
		// Device nodes, FIFOs, etc.: best-effort skip, these are rare in
		// application layers and require privileges this process may lack.
		return nil
	}

	if hdr.Typeflag != tar.TypeSymlink {
		_ = os.Chown(target, hdr.Uid, hdr.Gid)
		mtime := hdr.ModTime
		if mtime.IsZero() {
			mtime = time.Now()
		}
		_ = os.Chtimes(target, mtime, mtime)
	} else {
		_ = os.Lchown(target, hdr.Uid, hdr.Gid)
	}

	return nil
}
