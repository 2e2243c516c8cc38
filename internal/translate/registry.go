package translate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LastBotInc/coralie-captions-worker/internal/captions"
	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// Factory builds the translator for a catalog entry.
type Factory func(lang language.Descriptor) (*Translator, error)

// NewFactory returns a Factory sharing one model, sink and option set.
func NewFactory(model ChatModel, sink captions.Sink, opts Options) Factory {
	return func(lang language.Descriptor) (*Translator, error) {
		return NewTranslator(lang, model, sink, opts)
	}
}

// Registry maps language codes to translators for one room session.
// Entries are added, never removed.
type Registry struct {
	mu          sync.Mutex
	translators map[string]*Translator
	factory     Factory
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		translators: make(map[string]*Translator),
		factory:     factory,
	}
}

// GetOrCreate returns the translator for code, creating it on first use.
// The check and the insert happen under one lock, so concurrent first
// requests for the same code share a single translator.
func (r *Registry) GetOrCreate(code string) (*Translator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.translators[code]; ok {
		return t, nil
	}

	lang, err := language.Lookup(code)
	if err != nil {
		return nil, err
	}
	t, err := r.factory(lang)
	if err != nil {
		return nil, fmt.Errorf("create translator %s: %w", code, err)
	}
	r.translators[code] = t
	logging.Info(logging.CategoryTranslate, "added translator lang=%s variant=%s", lang.Code, lang.Variant)
	return t, nil
}

// Get returns the translator for code if one is registered.
func (r *Registry) Get(code string) (*Translator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.translators[code]
	return t, ok
}

// Snapshot returns the registered translators ordered by code.
func (r *Registry) Snapshot() []*Translator {
	r.mu.Lock()
	out := make([]*Translator, 0, len(r.translators))
	for _, t := range r.translators {
		out = append(out, t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].lang.Code < out[j].lang.Code })
	return out
}

// Len returns the number of registered translators.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.translators)
}

// Close runs every translator's cleanup hook.
func (r *Registry) Close() {
	for _, t := range r.Snapshot() {
		if err := t.Close(); err != nil {
			logging.Warning(logging.CategoryTranslate, "failed to close translator lang=%s: %v", t.lang.Code, err)
		}
	}
}
