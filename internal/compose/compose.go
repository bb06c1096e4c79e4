// Package compose resolves YAML experiment documents that inherit from
// other documents. A document names its parents under a top-level
// "__import__" list; parents are loaded first and the importing document
// is merged on top, so the child always wins. Composition is an explicit
// single-pass deep merge over plain key/value trees, never ad hoc file
// inclusion, which keeps override precedence unambiguous and makes cycle
// detection trivial.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ImportKey is the reserved top-level key naming parent documents. It is
// consumed during resolution and never appears in the merged output.
const ImportKey = "__import__"

// Load reads the document at path, resolves its imports depth-first
// against the document's own directory and then searchDirs, and returns
// the merged tree along with the ordered list of every file that was
// read. The file list feeds metadata capture so a run records exactly
// the inputs that produced it.
func Load(path string, searchDirs []string) (map[string]any, []string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("compose: resolving %s: %w", path, err)
	}
	ld := &loader{
		searchDirs: searchDirs,
		visiting:   map[string]bool{},
		recorded:   map[string]bool{},
	}
	tree, err := ld.load(abs)
	if err != nil {
		return nil, nil, err
	}
	return tree, ld.files, nil
}

// Merge deep-merges override on top of base without mutating either.
// Mapping values merge recursively; scalars and lists are replaced by
// the override wholesale. Lists are never merged element-wise: a child
// document must be able to shrink a hidden-layer list, and element-wise
// merging would make that impossible. Merging a nil override returns a
// copy equal to base.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := out[k].(map[string]any); ok {
				out[k] = Merge(baseSub, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Decode round-trips a merged tree into a typed structure via the YAML
// codec, so the struct tags on the target drive the field mapping.
func Decode(tree map[string]any, out any) error {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("compose: re-encoding merged tree: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("compose: decoding merged tree: %w", err)
	}
	return nil
}

type loader struct {
	searchDirs []string
	visiting   map[string]bool
	stack      []string
	files      []string
	recorded   map[string]bool
}

func (l *loader) load(abs string) (map[string]any, error) {
	if l.visiting[abs] {
		chain := append(append([]string{}, l.stack...), abs)
		return nil, fmt.Errorf("compose: import cycle: %s", strings.Join(chain, " -> "))
	}
	l.visiting[abs] = true
	l.stack = append(l.stack, abs)
	defer func() {
		delete(l.visiting, abs)
		l.stack = l.stack[:len(l.stack)-1]
	}()

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("compose: reading %s: %w", abs, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("compose: parsing %s: %w", abs, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	imports, err := importList(abs, doc)
	if err != nil {
		return nil, err
	}
	delete(doc, ImportKey)

	merged := map[string]any{}
	for _, imp := range imports {
		parent, err := l.resolve(imp, filepath.Dir(abs))
		if err != nil {
			return nil, err
		}
		parentTree, err := l.load(parent)
		if err != nil {
			return nil, err
		}
		merged = Merge(merged, parentTree)
	}

	// A diamond import loads the shared parent once per path; record
	// each file only once.
	if !l.recorded[abs] {
		l.recorded[abs] = true
		l.files = append(l.files, abs)
	}
	return Merge(merged, doc), nil
}

// importList extracts and validates the __import__ entry of a document.
func importList(path string, doc map[string]any) ([]string, error) {
	raw, ok := doc[ImportKey]
	if !ok {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("compose: %s: %s entries must be strings, got %T",
					path, ImportKey, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compose: %s: %s must be a string or list of strings, got %T",
			path, ImportKey, raw)
	}
}

// resolve locates an imported document, trying the importing file's
// directory before the configured search directories.
func (l *loader) resolve(name, fromDir string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("compose: import %s not found", name)
		}
		return filepath.Clean(name), nil
	}

	candidates := make([]string, 0, len(l.searchDirs)+1)
	for _, dir := range append([]string{fromDir}, l.searchDirs...) {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	for _, cand := range candidates {
		if _, err := os.Stat(cand); err == nil {
			return filepath.Abs(cand)
		}
	}
	return "", fmt.Errorf("compose: import %s not found, tried: %s",
		name, strings.Join(candidates, ", "))
}
