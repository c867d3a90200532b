package nlp

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"nlp-backend/internal/api"
	"nlp-backend/internal/proxy"
)

// Service exposes the inference API: query, tokenize, learn, and the admin
// reload endpoints the training pipeline calls after publishing a model.
type Service struct {
	dispatcher *Dispatcher
	registry   *Registry
	tokenizer  Tokenizer

	// fanout is nil outside Kubernetes; with it, admin mutations and
	// learned sentences propagate to the sibling replicas.
	fanout     *proxy.ReplicaFanout
	adminToken string
}

func NewService(dispatcher *Dispatcher, registry *Registry, tokenizer Tokenizer, fanout *proxy.ReplicaFanout, adminToken string) *Service {
	return &Service{
		dispatcher: dispatcher,
		registry:   registry,
		tokenizer:  tokenizer,
		fanout:     fanout,
		adminToken: adminToken,
	}
}

func (s *Service) AddRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(noStore)

		r.Get("/{locale}/query", api.JsonRestHandler(s.query))
		r.Post("/{locale}/query", api.JsonRestHandler(s.query))
		r.Get("/@{model_tag}/{locale}/query", api.JsonRestHandler(s.query))
		r.Post("/@{model_tag}/{locale}/query", api.JsonRestHandler(s.query))

		r.Get("/{locale}/tokenize", api.JsonRestHandler(s.tokenize))
		r.Post("/{locale}/tokenize", api.JsonRestHandler(s.tokenize))
		r.Get("/@{model_tag}/{locale}/tokenize", api.JsonRestHandler(s.tokenize))
		r.Post("/@{model_tag}/{locale}/tokenize", api.JsonRestHandler(s.tokenize))

		r.Post("/{locale}/learn", api.JsonRestHandler(s.learn))
		r.Post("/@{model_tag}/{locale}/learn", api.JsonRestHandler(s.learn))
	})

	r.Route("/admin", func(r chi.Router) {
		if s.fanout != nil {
			r.Use(s.fanout.Middleware)
		}
		r.Use(s.authorize)

		r.Post("/reload/@{model_tag}/{locale}", api.JsonRestHandler(s.reloadModel))
		r.Post("/reload/exact/@{model_tag}/{locale}", api.JsonRestHandler(s.reloadExact))
	})
}

// prediction responses must never be cached by intermediaries, the answer
// depends on the currently loaded model version
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store,must-revalidate")
		next.ServeHTTP(w, r)
	})
}

func (s *Service) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.URL.Query().Get("admin_token") != s.adminToken {
			api.WriteJsonError(w, http.StatusUnauthorized, errors.New("Not Authorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type queryParams struct {
	Q                string         `json:"q" schema:"q"`
	Store            string         `json:"store" schema:"store"`
	AccessToken      string         `json:"access_token" schema:"access_token"`
	DeveloperKey     string         `json:"developer_key" schema:"developer_key"`
	Expect           string         `json:"expect" schema:"expect"`
	Choices          []string       `json:"choices" schema:"choices"`
	Context          string         `json:"context" schema:"context"`
	Entities         map[string]any `json:"entities" schema:"-"`
	Tokenized        bool           `json:"tokenized" schema:"tokenized"`
	SkipTypechecking bool           `json:"skip_typechecking" schema:"skip_typechecking"`
	Limit            int            `json:"limit" schema:"limit"`
}

func decodeParams(r *http.Request) (queryParams, error) {
	if r.Method == http.MethodGet {
		return api.ParseRequestQueryParams[queryParams](r)
	}
	return api.ParseRequest[queryParams](r)
}

func (s *Service) query(r *http.Request) (any, error) {
	params, err := decodeParams(r)
	if err != nil {
		return nil, err
	}
	if params.Q == "" {
		return nil, api.CodedErrorf(http.StatusBadRequest, "missing query")
	}

	return s.dispatcher.Query(r.Context(), &QueryRequest{
		Query:            params.Q,
		Locale:           chi.URLParam(r, "locale"),
		ModelTag:         chi.URLParam(r, "model_tag"),
		Context:          params.Context,
		Entities:         params.Entities,
		Expect:           params.Expect,
		Choices:          params.Choices,
		Tokenized:        params.Tokenized,
		SkipTypechecking: params.SkipTypechecking,
		Limit:            params.Limit,
		Store:            params.Store,
		AccessToken:      params.AccessToken,
		DeveloperKey:     params.DeveloperKey,
	})
}

type tokenizeResponse struct {
	Result string `json:"result"`
	*TokenizeResult
}

func (s *Service) tokenize(r *http.Request) (any, error) {
	params, err := decodeParams(r)
	if err != nil {
		return nil, err
	}
	if params.Q == "" {
		return nil, api.CodedErrorf(http.StatusBadRequest, "missing query")
	}

	language := localeToLanguage(chi.URLParam(r, "locale"))
	tokenized, err := s.tokenizer.Tokenize(r.Context(), language, params.Q, params.Expect)
	if err != nil {
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error tokenizing query: %w", err)
	}
	return tokenizeResponse{Result: "ok", TokenizeResult: tokenized}, nil
}

func localeToLanguage(locale string) string {
	fallbacks := localeFallbacks(locale)
	return fallbacks[len(fallbacks)-1]
}

type learnParams struct {
	Q           string `json:"q"`
	Target      string `json:"target"`
	Store       string `json:"store"`
	AccessToken string `json:"access_token"`
}

func (s *Service) learn(r *http.Request) (any, error) {
	params, err := api.ParseRequest[learnParams](r)
	if err != nil {
		return nil, err
	}
	if params.Q == "" || params.Target == "" {
		return nil, api.CodedErrorf(http.StatusBadRequest, "missing query or target code")
	}

	modelTag := chi.URLParam(r, "model_tag")
	locale := chi.URLParam(r, "locale")

	result, err := s.dispatcher.Learn(r.Context(), modelTag, locale, &LearnRequest{
		Query:       params.Q,
		Target:      params.Target,
		Store:       params.Store,
		AccessToken: params.AccessToken,
	})
	if err != nil {
		return nil, err
	}

	// teach the sibling replicas the new sentence without a full reload
	if result.ExampleId > 0 && s.fanout != nil {
		if modelTag == "" {
			modelTag = "default"
		}
		path := fmt.Sprintf("/admin/reload/exact/@%s/%s?admin_token=%s",
			modelTag, locale, url.QueryEscape(s.adminToken))
		s.fanout.PostForm(path, url.Values{"example_id": []string{strconv.FormatInt(result.ExampleId, 10)}})
	}
	return result, nil
}

func (s *Service) reloadModel(r *http.Request) (any, error) {
	tag := chi.URLParam(r, "model_tag")
	language := strings.ToLower(chi.URLParam(r, "locale"))

	if err := s.registry.Reload(r.Context(), tag, language); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
		}
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error reloading model: %w", err)
	}
	return map[string]string{"result": "ok"}, nil
}

func (s *Service) reloadExact(r *http.Request) (any, error) {
	language := strings.ToLower(chi.URLParam(r, "locale"))

	var exampleId int64
	if raw := r.FormValue("example_id"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, api.CodedErrorf(http.StatusBadRequest, "invalid example_id")
		}
		exampleId = parsed
	}

	if err := s.registry.ReloadExact(r.Context(), language, exampleId); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.CodedErrorf(http.StatusNotFound, "no such example")
		}
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error reloading exact matches: %w", err)
	}
	return map[string]string{"result": "ok"}, nil
}
