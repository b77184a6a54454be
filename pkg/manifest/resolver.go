package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/kdeploy/pkg/engine"
)

// ErrNoLocalStore is returned when a local file path is declared but no store is configured.
var ErrNoLocalStore = errors.New("no local manifest store configured")

// FileReader reads a file from the local manifest store.
type FileReader interface {
	Read(ctx context.Context, path string) (string, error)
}

// Resolution is the outcome of resolving a Source.
// When Fetch is empty, Manifests is complete. Otherwise Manifests holds
// only the locally resolved documents and Fetch lists what is missing.
type Resolution struct {
	Manifests engine.ManifestSet
	Fetch     []engine.FetchFile
}

// NeedsFetch returns true if some documents must be retrieved remotely.
func (r *Resolution) NeedsFetch() bool {
	return len(r.Fetch) > 0
}

// Resolver builds ManifestSets.
type Resolver struct {
	local  FileReader
	logger zerolog.Logger
}

// NewResolver creates a resolver. local may be nil when only inline and
// remote documents are used.
func NewResolver(local FileReader, logger zerolog.Logger) *Resolver {
	return &Resolver{
		local:  local,
		logger: logger.With().Str("component", "manifest").Logger(),
	}
}

// Resolve reads every local document and lists the remote ones.
func (r *Resolver) Resolve(ctx context.Context, src Source) (*Resolution, error) {
	values := sortedValues(src.Values)
	res := &Resolution{}

	for _, v := range values {
		if err := v.Validate(); err != nil {
			return nil, err
		}

		if v.IsRemote() {
			res.Fetch = append(res.Fetch, engine.FetchFile{
				Location: v.Location,
				RepoURL:  strings.TrimSpace(v.RepoURL),
				Ref:      strings.TrimSpace(v.Ref),
				Path:     strings.TrimSpace(v.Path),
			})
			continue
		}

		content := v.Inline
		if v.Path != "" {
			if r.local == nil {
				return nil, fmt.Errorf("%s values %s: %w", v.Location, v.Path, ErrNoLocalStore)
			}
			var err error
			content, err = r.local.Read(ctx, v.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s values %s: %w", v.Location, v.Path, err)
			}
		}

		if strings.TrimSpace(content) == "" {
			r.logger.Debug().Str("location", string(v.Location)).Str("path", v.Path).Msg("Skipping blank values document")
			continue
		}
		if err := validateYAML(content); err != nil {
			return nil, fmt.Errorf("%s values %s: %w", v.Location, v.Path, err)
		}

		res.Manifests.Documents = append(res.Manifests.Documents, engine.ManifestDocument{
			Location: v.Location,
			Path:     v.Path,
			Content:  content,
		})
	}

	return res, nil
}

// Complete merges fetched files into the locally resolved documents.
// Every requested file must be present, non-blank and parse as YAML.
func (r *Resolver) Complete(local engine.ManifestSet, requested []engine.FetchFile, fetched *engine.FetchResult) (engine.ManifestSet, error) {
	if fetched == nil || len(fetched.Files) == 0 {
		return engine.ManifestSet{}, fmt.Errorf("manifest fetch returned no files")
	}

	byKey := make(map[string]engine.FetchedFile, len(fetched.Files))
	for _, f := range fetched.Files {
		byKey[fileKey(f.Location, f.Path)] = f
	}

	docs := make([]engine.ManifestDocument, 0, len(local.Documents)+len(requested))
	docs = append(docs, local.Documents...)

	for _, req := range requested {
		f, ok := byKey[fileKey(req.Location, req.Path)]
		if !ok {
			return engine.ManifestSet{}, fmt.Errorf("%s values %s missing from fetch result", req.Location, req.Path)
		}
		if strings.TrimSpace(f.Content) == "" {
			return engine.ManifestSet{}, fmt.Errorf("%s values %s is empty", req.Location, req.Path)
		}
		if err := validateYAML(f.Content); err != nil {
			return engine.ManifestSet{}, fmt.Errorf("%s values %s: %w", req.Location, req.Path, err)
		}
		docs = append(docs, engine.ManifestDocument{
			Location: req.Location,
			Path:     req.Path,
			Content:  f.Content,
		})
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Location.Rank() < docs[j].Location.Rank()
	})

	r.logger.Debug().Int("documents", len(docs)).Int("fetched", len(requested)).Msg("Manifest set completed")
	return engine.ManifestSet{Documents: docs}, nil
}

func sortedValues(in []ValuesFile) []ValuesFile {
	out := make([]ValuesFile, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Location.Rank() < out[j].Location.Rank()
	})
	return out
}

func fileKey(loc engine.ValuesLocation, path string) string {
	return string(loc) + "|" + strings.TrimSpace(path)
}

// validateYAML checks that every document in content parses.
func validateYAML(content string) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed values document: %w", err)
		}
	}
}
