package image

import "github.com/cruciblehq/ross/internal/clock"

// PullProgress is one event in the stream pull emits, mirroring Docker's
// pull-progress shape: a short id (config/layer short digest, or the full
// reference for pipeline-level events), a status line, a free-form
// progress string (e.g. "[2/5]"), and optional byte counters.
type PullProgress struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress string `json:"progress,omitempty"`
	Current  *int64 `json:"current,omitempty"`
	Total    *int64 `json:"total,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RootFS describes the layer chain that makes up an image's filesystem.
type RootFS struct {
	Type   string   `json:"type"`
	Layers []string `json:"layers"`
}

// Image is a locally-known, tag-resolvable image: the manifest digest,
// its tags and digests, and the fields lifted from its config blob.
type Image struct {
	ID           string            `json:"id"`
	RepoTags     []string          `json:"repo_tags"`
	RepoDigests  []string          `json:"repo_digests"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Size         int64             `json:"size"`
	VirtualSize  int64             `json:"virtual_size"`
	Labels       map[string]string `json:"labels,omitempty"`
	RootFS       *RootFS           `json:"root_fs,omitempty"`
	CreatedAt    clock.Timestamp   `json:"created_at,omitempty"`
}

// History describes one layer-producing step of an image's build, lifted
// from the config blob's history array.
type History struct {
	CreatedBy string `json:"created_by"`
	Comment   string `json:"comment,omitempty"`
	Size      int64  `json:"size"`
}

// Inspection is the detailed view of a single image: its summary plus
// per-layer build history.
type Inspection struct {
	Image   Image     `json:"image"`
	History []History `json:"history"`
}

// RemoveResult reports what a remove call actually deleted: the manifest
// digests it fully deleted (no remaining tag referenced them) and the
// tags it merely untagged.
type RemoveResult struct {
	Deleted  []string `json:"deleted"`
	Untagged []string `json:"untagged"`
}

// ListFilter narrows List's results; the zero value matches everything.
type ListFilter struct {
	Repository string
}
