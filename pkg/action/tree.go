// Copyright © 2018 One Concern

package action

import (
	"sort"

	"github.com/oneconcern/buildfarm/pkg/digest"
)

// InputFile is one file of an input tree
type InputFile struct {
	Path       string        `json:"path"`
	Digest     digest.Digest `json:"digest"`
	Executable bool          `json:"executable,omitempty"`
}

// InputTree lists the files staged in the execution root. It is stored in the CAS
// and referenced by Action.InputRoot.
type InputTree struct {
	Files []InputFile `json:"files"`
}

// Encode validates the tree and returns its canonical serialization and digest
func (t InputTree) Encode() ([]byte, digest.Digest, error) {
	files := make([]InputFile, 0, len(t.Files))
	seen := make(map[string]bool, len(t.Files))
	for _, f := range t.Files {
		clean, err := canonicalPath(f.Path)
		if err != nil {
			return nil, digest.Digest{}, err
		}
		if seen[clean] {
			return nil, digest.Digest{}, ErrInvalidAction.WrapMessage("duplicate input %q", clean)
		}
		if err = f.Digest.Validate(); err != nil {
			return nil, digest.Digest{}, err
		}
		seen[clean] = true
		f.Path = clean
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	data, err := json.Marshal(InputTree{Files: files})
	if err != nil {
		return nil, digest.Digest{}, err
	}
	return data, digest.Of(data), nil
}

// Digests of every file in the tree
func (t InputTree) Digests() []digest.Digest {
	ds := make([]digest.Digest, 0, len(t.Files))
	for _, f := range t.Files {
		ds = append(ds, f.Digest)
	}
	return ds
}

// DecodeTree parses an input tree and validates its paths
func DecodeTree(data []byte) (InputTree, error) {
	var t InputTree
	if err := json.Unmarshal(data, &t); err != nil {
		return InputTree{}, ErrInvalidAction.Wrap(err)
	}
	for i, f := range t.Files {
		clean, err := canonicalPath(f.Path)
		if err != nil {
			return InputTree{}, err
		}
		t.Files[i].Path = clean
	}
	return t, nil
}
