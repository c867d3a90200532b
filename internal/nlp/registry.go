package nlp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"gorm.io/gorm"

	"nlp-backend/internal/database"
	"nlp-backend/internal/exact"
	"nlp-backend/internal/storage"
)

// Standard model family. Requests that do not name a tag are routed to one
// of these four based on the developer and context flags.
const (
	TagDefault             = "org.thingpedia.models.default"
	TagDeveloper           = "org.thingpedia.models.developer"
	TagContextual          = "org.thingpedia.models.contextual"
	TagDeveloperContextual = "org.thingpedia.models.developer.contextual"
)

var localeSeparator = regexp.MustCompile(`[_.-]`)

// localeFallbacks expands a BCP 47 locale into lookup candidates, most
// specific first: "en-US" tries "en-us" then "en".
func localeFallbacks(locale string) []string {
	parts := localeSeparator.Split(strings.ToLower(locale), -1)
	fallbacks := make([]string, 0, len(parts))
	for i := len(parts); i > 0; i-- {
		fallbacks = append(fallbacks, strings.Join(parts[:i], "-"))
	}
	return fallbacks
}

// fallbackTags orders the standard model family for a request. Matching the
// request's contextuality matters more than matching its developer flag.
func fallbackTags(developer, contextual bool) []string {
	switch {
	case developer && contextual:
		return []string{TagDeveloperContextual, TagContextual, TagDeveloper, TagDefault}
	case developer:
		return []string{TagDeveloper, TagDefault, TagDeveloperContextual, TagContextual}
	case contextual:
		return []string{TagContextual, TagDeveloperContextual, TagDefault, TagDeveloper}
	default:
		return []string{TagDefault, TagDeveloper, TagContextual, TagDeveloperContextual}
	}
}

// Model is one servable (tag, language) pair. Handles are immutable; a
// reload builds a new handle and swaps it into the registry, so in-flight
// requests finish against the version they started with.
type Model struct {
	Tag      string
	Language string

	Contextual  bool
	Trained     bool
	Version     int
	AccessToken string // empty means public

	// Exact is the language's shared exact matcher, nil when the model
	// opted out of the exact-match layer.
	Exact *exact.Matcher

	Predictor Predictor
}

func (m *Model) Id() string {
	return "@" + m.Tag + "/" + m.Language
}

// PredictorFactory builds the predictor client for one model version.
type PredictorFactory func(tag, language string, version int) Predictor

// Registry holds every loaded model, keyed by "@tag/language", plus one
// exact matcher per language shared across that language's models.
type Registry struct {
	db           *gorm.DB
	store        storage.ObjectStore
	bucket       string
	newPredictor PredictorFactory

	mu     sync.RWMutex
	models map[string]*Model
	exacts map[string]*exact.Matcher
}

func NewRegistry(db *gorm.DB, store storage.ObjectStore, bucket string, newPredictor PredictorFactory) *Registry {
	return &Registry{
		db:           db,
		store:        store,
		bucket:       bucket,
		newPredictor: newPredictor,
		models:       make(map[string]*Model),
		exacts:       make(map[string]*exact.Matcher),
	}
}

// LoadAll loads every registered model and each language's exact-match file.
func (r *Registry) LoadAll(ctx context.Context) error {
	var specs []database.NLPModel
	if err := r.db.WithContext(ctx).Find(&specs).Error; err != nil {
		return fmt.Errorf("error listing models: %w", err)
	}

	for i := range specs {
		model, err := r.buildModel(ctx, &specs[i])
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.models[model.Id()] = model
		r.mu.Unlock()
		slog.Info("loaded model", "model", model.Id(), "version", model.Version, "trained", model.Trained)
	}
	return nil
}

func (r *Registry) buildModel(ctx context.Context, spec *database.NLPModel) (*Model, error) {
	model := &Model{
		Tag:        spec.Tag,
		Language:   spec.Language,
		Contextual: spec.Contextual,
		Trained:    spec.Trained,
		Version:    spec.Version,
		Predictor:  r.newPredictor(spec.Tag, spec.Language, spec.Version),
	}
	if spec.AccessToken.Valid {
		model.AccessToken = spec.AccessToken.String
	}
	if spec.UseExact {
		matcher, err := r.exactMatcher(ctx, spec.Language)
		if err != nil {
			return nil, err
		}
		model.Exact = matcher
	}
	return model, nil
}

// exactMatcher returns the language's shared matcher, loading its compiled
// file from the object store on first use. A missing file is not an error,
// the matcher starts empty and fills up as sentences are learned.
func (r *Registry) exactMatcher(ctx context.Context, language string) (*exact.Matcher, error) {
	r.mu.Lock()
	matcher, ok := r.exacts[language]
	if !ok {
		matcher = exact.NewMatcher()
		r.exacts[language] = matcher
	}
	r.mu.Unlock()
	if ok {
		return matcher, nil
	}

	if err := r.loadExactFile(ctx, language, matcher); err != nil {
		slog.Warn("error loading exact match file, starting empty", "language", language, "error", err)
	}
	return matcher, nil
}

func (r *Registry) loadExactFile(ctx context.Context, language string, matcher *exact.Matcher) error {
	reader, err := r.store.GetObject(ctx, r.bucket, exact.IndexKey(language))
	if err != nil {
		return err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return matcher.Load(data)
}

// GetModel looks up a model by explicit tag, trying progressively less
// specific locales. The empty tag and "default" alias the default model.
func (r *Registry) GetModel(tag, locale string) *Model {
	if tag == "" || tag == "default" {
		tag = TagDefault
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, language := range localeFallbacks(locale) {
		if model := r.models["@"+tag+"/"+language]; model != nil {
			return model
		}
	}
	return nil
}

// GetForRequest picks the best trained model of the standard family for an
// untagged request, or nil when no family member can serve the locale.
func (r *Registry) GetForRequest(locale string, developer, contextual bool) *Model {
	for _, tag := range fallbackTags(developer, contextual) {
		if model := r.GetModel(tag, locale); model != nil && model.Trained {
			return model
		}
	}
	return nil
}

// Reload rebuilds one model's handle from its database row and swaps it in.
// Requests already dispatched keep using the old handle until they return.
func (r *Registry) Reload(ctx context.Context, tag, language string) error {
	var spec database.NLPModel
	if err := r.db.WithContext(ctx).First(&spec, "tag = ? AND language = ?", tag, language).Error; err != nil {
		return err
	}

	model, err := r.buildModel(ctx, &spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.models[model.Id()] = model
	r.mu.Unlock()
	slog.Info("reloaded model", "model", model.Id(), "version", model.Version)
	return nil
}

// ReloadExact refreshes a language's exact matcher. With an example id it
// adds just that sentence, which is how learned sentences propagate to
// replicas without recompiling the whole file.
func (r *Registry) ReloadExact(ctx context.Context, language string, exampleId int64) error {
	matcher, err := r.exactMatcher(ctx, language)
	if err != nil {
		return err
	}

	if exampleId > 0 {
		var row database.Example
		if err := r.db.WithContext(ctx).First(&row, "id = ?", exampleId).Error; err != nil {
			return err
		}
		matcher.Add(row.Preprocessed, row.TargetCode)
		return nil
	}
	return r.loadExactFile(ctx, language, matcher)
}
