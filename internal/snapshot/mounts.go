package snapshot

import (
	"fmt"
	"strings"
)

// parentChain walks the parent links from key's immediate parent to the
// root committed layer, returning fs/ directories ordered top-priority
// (immediate parent) first. A visited set guards against corrupted
// on-disk metadata producing a cycle, since cycles cannot arise from the
// API itself (a parent must be Committed, and Committed snapshots are
// immutable).
func (s *Snapshotter) parentChain(info Info) ([]string, error) {
	var chain []string
	visited := map[string]struct{}{info.Key: {}}

	parent := info.Parent
	for parent != "" {
		if _, seen := visited[parent]; seen {
			return nil, fmt.Errorf("%s: %w", info.Key, ErrCyclicParent)
		}
		visited[parent] = struct{}{}

		pInfo, ok := s.lookup(parent)
		if !ok {
			return nil, fmt.Errorf("%s: %w", parent, ErrParentNotFound)
		}
		chain = append(chain, s.fsDir(parent))
		parent = pInfo.Parent
	}

	return chain, nil
}

// buildMounts constructs the mount specification for info per spec.md
// §4.3.3. Target is left empty for the caller (the shim) to fill in.
func (s *Snapshotter) buildMounts(info Info) ([]Mount, error) {
	if !s.overlaySupported {
		return s.buildFlatMount(info)
	}

	lowers, err := s.parentChain(info)
	if err != nil {
		return nil, err
	}

	if len(lowers) == 0 {
		// Base snapshot: plain bind mount of its own fs/.
		return []Mount{{
			Type:    "bind",
			Source:  s.fsDir(info.Key),
			Options: []string{"rw", "rbind"},
		}}, nil
	}

	opts := []string{"lowerdir=" + strings.Join(lowers, ":")}
	if info.Kind == KindActive {
		opts = append(opts, "upperdir="+s.fsDir(info.Key), "workdir="+s.workDir(info.Key))
	}

	return []Mount{{
		Type:    "overlay",
		Source:  "overlay",
		Options: opts,
	}}, nil
}
