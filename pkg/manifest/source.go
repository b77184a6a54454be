// Package manifest decides whether a step's values documents can be read
// locally or must be fetched remotely, and assembles the ordered ManifestSet.
package manifest

import (
	"fmt"
	"strings"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// StoreType is where a values document lives.
type StoreType string

const (
	// StoreLocal is inline content or a file in the local manifest store.
	StoreLocal StoreType = "local"

	// StoreRemoteGit is a file in a git repository, retrieved by the executor.
	StoreRemoteGit StoreType = "remote-git"
)

// Validate checks if the store type is valid. Empty means local.
func (s StoreType) Validate() error {
	switch s {
	case "", StoreLocal, StoreRemoteGit:
		return nil
	default:
		return fmt.Errorf("invalid manifest store type: %q", string(s))
	}
}

// ValuesFile is one values document declaration.
type ValuesFile struct {
	Location engine.ValuesLocation `json:"location" yaml:"location"`
	Store    StoreType             `json:"store,omitempty" yaml:"store,omitempty"`

	// Inline holds the document content directly (local store only).
	Inline string `json:"inline,omitempty" yaml:"inline,omitempty"`

	// Path is relative to the local store root, or to the repository root.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	RepoURL string `json:"repoUrl,omitempty" yaml:"repoUrl,omitempty"`
	Ref     string `json:"ref,omitempty" yaml:"ref,omitempty"`
}

// IsRemote returns true if the file must be fetched.
func (v ValuesFile) IsRemote() bool {
	return v.Store == StoreRemoteGit
}

// Validate checks that the declaration is complete for its store type.
func (v ValuesFile) Validate() error {
	if v.Location.Rank() < 0 {
		return fmt.Errorf("invalid values location: %q", string(v.Location))
	}
	if err := v.Store.Validate(); err != nil {
		return err
	}
	if v.IsRemote() {
		if strings.TrimSpace(v.RepoURL) == "" {
			return fmt.Errorf("%s values: repository url is required for remote-git store", v.Location)
		}
		if strings.TrimSpace(v.Path) == "" {
			return fmt.Errorf("%s values: file path is required for remote-git store", v.Location)
		}
		return nil
	}
	if v.Inline != "" && v.Path != "" {
		return fmt.Errorf("%s values: inline content and path are mutually exclusive", v.Location)
	}
	return nil
}

// Source is the manifest configuration of a workload or step.
type Source struct {
	Values []ValuesFile `json:"values,omitempty" yaml:"values,omitempty"`
}

// Merge returns a source holding s's values followed by other's.
func (s Source) Merge(other Source) Source {
	out := Source{Values: make([]ValuesFile, 0, len(s.Values)+len(other.Values))}
	out.Values = append(out.Values, s.Values...)
	out.Values = append(out.Values, other.Values...)
	return out
}
