package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"
)

// buildFlatMount implements §4.3.5: walk info's parent chain bottom-up,
// copying each committed ancestor's fs/ into a private merged directory
// and replaying its recorded whiteouts/opaque markers, then copy info's
// own fs/ on top. The result is a single bind mount of that directory.
func (s *Snapshotter) buildFlatMount(info Info) ([]Mount, error) {
	chain, err := s.flatChain(info)
	if err != nil {
		return nil, err
	}

	merged := filepath.Join(s.keyDir(info.Key), "merged")
	if err := os.RemoveAll(merged); err != nil {
		return nil, fmt.Errorf("clear merged dir: %w", err)
	}
	if err := os.MkdirAll(merged, 0o755); err != nil {
		return nil, fmt.Errorf("create merged dir: %w", err)
	}

	for _, layer := range chain {
		for _, d := range layer.OpaqueDirs {
			target := filepath.Join(merged, d)
			os.RemoveAll(target)
		}
		for _, w := range layer.Whiteouts {
			os.RemoveAll(filepath.Join(merged, w))
		}
		if err := fs.CopyDir(merged, s.fsDir(layer.Key)); err != nil {
			return nil, fmt.Errorf("copy layer %s: %w", layer.Key, err)
		}
	}

	return []Mount{{
		Type:    "bind",
		Source:  merged,
		Options: []string{"rw", "rbind"},
	}}, nil
}

// flatChain returns info's ancestors ordered root-first, info itself
// last, the order a bottom-up copy must apply them in.
func (s *Snapshotter) flatChain(info Info) ([]Info, error) {
	var reversed []Info
	visited := map[string]struct{}{info.Key: {}}

	cur := info
	for {
		reversed = append(reversed, cur)
		if cur.Parent == "" {
			break
		}
		if _, seen := visited[cur.Parent]; seen {
			return nil, fmt.Errorf("%s: %w", info.Key, ErrCyclicParent)
		}
		visited[cur.Parent] = struct{}{}

		parent, ok := s.lookup(cur.Parent)
		if !ok {
			return nil, fmt.Errorf("%s: %w", cur.Parent, ErrParentNotFound)
		}
		cur = parent
	}

	chain := make([]Info, len(reversed))
	for i, info := range reversed {
		chain[len(reversed)-1-i] = info
	}
	return chain, nil
}
