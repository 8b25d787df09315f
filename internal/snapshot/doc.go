// Package snapshot manages the on-disk snapshot tree that backs container
// filesystems: a parent-linked chain of directories composed at mount time
// via a union filesystem (overlay on Linux, a merged-copy fallback
// elsewhere).
//
// Each snapshot is identified by a string key and owns a directory under
// the snapshotter's root:
//
//	<root>/<key>/fs/       content (upper dir for Active, sole dir for View/Committed)
//	<root>/<key>/work/     overlay scratch (Active only)
//	<root>/<key>/metadata.json
//
// A typical flow: Prepare a key with the previous layer's committed key as
// parent, extract a layer tar into the returned mount's fs/ directory, then
// Commit it under the image layer's content digest so later pulls can
// reuse it as a parent.
package snapshot
