package scan

import (
	"github.com/sloonz/ushelf/lib"
)

// Compute the changes needed to go from one tree to another. A path is
// modified if its content fingerprint or its type changed; metadata (mtime,
// mode) alone is not a change. A nil tree is an empty tree.
func Diff(from, to *ushelf.LibraryTree) ushelf.ChangeSet {
	if from == nil {
		from = &ushelf.LibraryTree{}
	}
	if to == nil {
		to = &ushelf.LibraryTree{}
	}

	var changes ushelf.ChangeSet
	fromIdx := from.Index()
	toIdx := to.Index()

	for _, e := range to.Entries {
		prev, ok := fromIdx[e.Path]
		if !ok {
			changes.Added = append(changes.Added, e.Path)
		} else if prev.Fingerprint != e.Fingerprint || prev.Type != e.Type {
			changes.Modified = append(changes.Modified, e.Path)
		}
	}

	for _, e := range from.Entries {
		if _, ok := toIdx[e.Path]; !ok {
			changes.Removed = append(changes.Removed, e.Path)
		}
	}

	return changes
}

// Changes needed to bring the live tree to the state of a manifest
func DiffManifest(m *ushelf.Manifest, live *ushelf.LibraryTree) ushelf.ChangeSet {
	return Diff(live, ManifestTree(m))
}

// View a manifest as the tree it was built from
func ManifestTree(m *ushelf.Manifest) *ushelf.LibraryTree {
	if m == nil {
		return nil
	}
	return m.Tree()
}
