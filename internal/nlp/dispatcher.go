package nlp

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"nlp-backend/internal/api"
	"nlp-backend/internal/codes"
	"nlp-backend/internal/database"
)

const defaultCandidateLimit = 5

var entityKeyPattern = regexp.MustCompile(`^(.+)_([0-9]+)$`)

// QueryRequest is one natural-language query after parameter decoding. The
// zero Store value means "no".
type QueryRequest struct {
	Query  string
	Locale string

	// ModelTag selects a model explicitly; when empty the standard family
	// fallback applies.
	ModelTag string

	Context  string
	Entities map[string]any

	Expect  string
	Choices []string

	Tokenized        bool
	SkipTypechecking bool
	Limit            int

	Store        string
	AccessToken  string
	DeveloperKey string
}

// Intent is the coarse utterance classification. The classifier that
// produced it is gone, so every response carries the same stub; the field
// stays for client compatibility.
type Intent struct {
	Question float64 `json:"question"`
	Command  float64 `json:"command"`
	Chatty   float64 `json:"chatty"`
	Other    float64 `json:"other"`
}

var commandIntent = Intent{Command: 1}

type QueryResult struct {
	Result     string         `json:"result"`
	Candidates []Candidate    `json:"candidates"`
	Tokens     []string       `json:"tokens"`
	Entities   map[string]any `json:"entities"`
	Intent     Intent         `json:"intent"`
}

// Dispatcher executes queries end to end: model selection, tokenization,
// the short-circuit answers, exact match, prediction, and utterance logging.
type Dispatcher struct {
	db        *gorm.DB
	registry  *Registry
	tokenizer Tokenizer
	cache     *PredictionCache
}

func NewDispatcher(db *gorm.DB, registry *Registry, tokenizer Tokenizer, cache *PredictionCache) *Dispatcher {
	return &Dispatcher{db: db, registry: registry, tokenizer: tokenizer, cache: cache}
}

func isValidDeveloperKey(key string) bool {
	return key != "" && key != "null" && key != "undefined"
}

func (d *Dispatcher) selectModel(req *QueryRequest) (*Model, error) {
	if req.ModelTag != "" {
		model := d.registry.GetModel(req.ModelTag, req.Locale)
		if model == nil || !model.Trained {
			return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
		}
		return model, nil
	}

	model := d.registry.GetForRequest(req.Locale, isValidDeveloperKey(req.DeveloperKey), req.Context != "")
	if model == nil {
		return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
	}
	return model, nil
}

func (d *Dispatcher) tokenize(ctx context.Context, model *Model, req *QueryRequest) ([]string, map[string]any, error) {
	if req.Tokenized {
		tokens := strings.Fields(req.Query)
		entities := make(map[string]any)
		for _, token := range tokens {
			if !entityKeyPattern.MatchString(token) {
				continue
			}
			if value, ok := req.Entities[token]; ok {
				entities[token] = value
			}
		}
		return tokens, entities, nil
	}

	tokenized, err := d.tokenizer.Tokenize(ctx, model.Language, req.Query, req.Expect)
	if err != nil {
		return nil, nil, api.CodedErrorf(http.StatusInternalServerError, "error tokenizing query: %w", err)
	}
	return tokenized.Tokens, tokenized.Entities, nil
}

// Query resolves one utterance into ranked candidate parses.
func (d *Dispatcher) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	store := req.Store
	if store == "" {
		store = "no"
	}
	if store != "yes" && store != "no" {
		return nil, api.CodedErrorf(http.StatusBadRequest, "invalid store parameter")
	}

	model, err := d.selectModel(req)
	if err != nil {
		return nil, err
	}
	if model.AccessToken != "" && model.AccessToken != req.AccessToken {
		return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
	}

	// contextual models always receive a context, non-contextual ones never do
	queryContext := req.Context
	if model.Contextual && queryContext == "" {
		queryContext = "null"
	} else if !model.Contextual {
		queryContext = ""
	}

	tokens, entities, err := d.tokenize(ctx, model, req)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	var exactMatches [][]string

	switch {
	case len(tokens) == 0:
		candidates = []Candidate{{Code: []string{"bookkeeping", "special", "special:failed"}, Score: ScoreExact}}

	case len(tokens) == 1 && isEntityAnswer(tokens[0]):
		// the whole input is a single entity, return it as an answer
		candidates = []Candidate{{Code: []string{"bookkeeping", "answer", tokens[0]}, Score: ScoreExact}}

	case req.Expect == "MultipleChoice":
		candidates, err = d.scoreChoices(ctx, model, tokens, req.Choices)
		if err != nil {
			return nil, err
		}

	default:
		if model.Exact != nil {
			exactMatches = model.Exact.Get(tokens)
		}
		if req.Expect == "Location" {
			code := append([]string{"bookkeeping", "answer", "location:", `"`}, tokens...)
			candidates = []Candidate{{Code: append(code, `"`), Score: 1}}
		} else {
			candidates, err = d.predict(ctx, model, tokens, entities, queryContext, req)
			if err != nil {
				return nil, err
			}
		}
	}

	if store == "yes" && req.Expect != "MultipleChoice" && len(tokens) > 0 {
		d.logUtterance(model, tokens, candidates)
	}

	for i := len(exactMatches) - 1; i >= 0; i-- {
		candidates = append([]Candidate{{Code: exactMatches[i], Score: ScoreExact}}, candidates...)
	}

	return &QueryResult{
		Result:     "ok",
		Candidates: candidates,
		Tokens:     tokens,
		Entities:   entities,
		Intent:     commandIntent,
	}, nil
}

func isEntityAnswer(token string) bool {
	return token == "0" || token == "1" || (len(token) > 0 && token[0] >= 'A' && token[0] <= 'Z')
}

func (d *Dispatcher) predict(ctx context.Context, model *Model, tokens []string, entities map[string]any, queryContext string, req *QueryRequest) ([]Candidate, error) {
	limit := req.Limit
	if limit == 0 {
		limit = defaultCandidateLimit
	}

	// the limit is not part of the cache key, so entries hold the full
	// candidate list and the limit applies on the way out
	key := ""
	if d.cache != nil {
		var err error
		key, err = cacheKey(model, tokens, entities, queryContext, req.Expect, req.SkipTypechecking)
		if err != nil {
			slog.Warn("error computing cache key", "error", err)
		} else if cached, ok := d.cache.Get(key); ok {
			return truncate(cached, limit), nil
		}
	}

	predictReq := PredictRequest{
		Tokens:           tokens,
		Entities:         entities,
		Limit:            req.Limit,
		SkipTypechecking: req.SkipTypechecking,
	}
	if queryContext != "" {
		predictReq.Context = strings.Split(queryContext, " ")
	}

	candidates, err := model.Predictor.Predict(ctx, predictReq)
	if err != nil {
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error running prediction: %w", err)
	}

	if !req.SkipTypechecking {
		valid := candidates[:0]
		for _, c := range candidates {
			if _, err := codes.Parse(strings.Join(c.Code, " ")); err == nil {
				valid = append(valid, c)
			}
		}
		candidates = valid
	}

	if d.cache != nil && key != "" {
		d.cache.Put(key, candidates)
	}
	return truncate(candidates, limit), nil
}

func truncate(candidates []Candidate, limit int) []Candidate {
	if limit > 0 && len(candidates) > limit {
		return candidates[:limit]
	}
	return candidates
}

// scoreChoices ranks the offered choices by token edit distance from the
// utterance, best first.
func (d *Dispatcher) scoreChoices(ctx context.Context, model *Model, tokens []string, choices []string) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(choices))
	for i, choice := range choices {
		tokenized, err := d.tokenizer.Tokenize(ctx, model.Language, choice, "MultipleChoice")
		if err != nil {
			return nil, api.CodedErrorf(http.StatusInternalServerError, "error tokenizing choice: %w", err)
		}
		candidates = append(candidates, Candidate{
			Code:  []string{"bookkeeping", "choice", strconv.Itoa(i)},
			Score: Score(-editDistance(tokens, tokenized.Tokens)),
		})
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Score > candidates[j-1].Score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	return candidates, nil
}

// logUtterance records the query in the sentence corpus so it can feed the
// next dataset update. Off the request path, failures are only logged.
func (d *Dispatcher) logUtterance(model *Model, tokens []string, candidates []Candidate) {
	targetCode := ""
	if len(candidates) > 0 {
		targetCode = strings.Join(candidates[0].Code, " ")
	}

	row := database.Example{
		Language:     model.Language,
		Preprocessed: strings.Join(tokens, " "),
		TargetCode:   targetCode,
		Type:         database.ExampleLog,
		CreationTime: time.Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
			slog.Error("error logging utterance", "language", model.Language, "error", err)
		}
	}()
}

func editDistance(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
