package domain

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Artifact is one candidate bundle produced by the generation collaborator:
// the page markup plus any auxiliary files keyed by relative path.
type Artifact struct {
	// Markup is the main HTML document of the bundle.
	Markup string `json:"markup" validate:"required"`
	// Assets maps relative paths to auxiliary file contents (CSS, JSON).
	Assets map[string]string `json:"assets,omitempty"`
}

// Validate checks the artifact carries its required fields.
func (a *Artifact) Validate() error {
	return validate.Struct(a)
}

// Size returns the total byte size of markup and assets.
func (a *Artifact) Size() int {
	n := len(a.Markup)
	for _, v := range a.Assets {
		n += len(v)
	}
	return n
}

// ContentHash returns a deterministic hash of the artifact's content.
// Assets are hashed in sorted path order so byte-identical artifacts
// produce identical hashes regardless of map iteration order.
func (a *Artifact) ContentHash() string {
	h := xxhash.New()
	_, _ = h.WriteString(a.Markup)

	paths := make([]string, 0, len(a.Assets))
	for p := range a.Assets {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(p)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(a.Assets[p])
	}

	return fmt.Sprintf("%016x", h.Sum64())
}
