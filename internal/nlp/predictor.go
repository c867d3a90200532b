package nlp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Score is a candidate parse's confidence. Exact matches rank above any
// model output, which is expressed as an infinite score; JSON cannot carry
// infinities so they serialize as the string "Infinity".
type Score float64

var ScoreExact = Score(math.Inf(1))

func (s Score) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(s), 1) {
		return []byte(`"Infinity"`), nil
	}
	return json.Marshal(float64(s))
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if string(data) == `"Infinity"` {
		*s = ScoreExact
		return nil
	}
	var value float64
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*s = Score(value)
	return nil
}

// Candidate is one parse of an utterance into target code.
type Candidate struct {
	Code  []string `json:"code"`
	Score Score    `json:"score"`
}

type PredictRequest struct {
	Tokens           []string       `json:"tokens"`
	Entities         map[string]any `json:"entities,omitempty"`
	Context          []string       `json:"context,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	SkipTypechecking bool           `json:"skip_typechecking,omitempty"`
}

type PredictResponse struct {
	Candidates []Candidate `json:"candidates"`
}

// Predictor produces candidate parses for a tokenized utterance. The real
// implementation talks to the model's serving endpoint.
type Predictor interface {
	Predict(ctx context.Context, req PredictRequest) ([]Candidate, error)
}

// HTTPPredictor reaches one model's serving endpoint. The endpoint URL comes
// from a template with {tag}, {language} and {version} placeholders, so one
// config value covers the whole fleet.
type HTTPPredictor struct {
	client *resty.Client
}

func ExpandPredictorURL(template, tag, language string, version int) string {
	url := strings.ReplaceAll(template, "{tag}", tag)
	url = strings.ReplaceAll(url, "{language}", language)
	return strings.ReplaceAll(url, "{version}", fmt.Sprintf("%d", version))
}

func NewHTTPPredictor(url string) *HTTPPredictor {
	return &HTTPPredictor{client: resty.New().SetBaseURL(url)}
}

func (p *HTTPPredictor) Predict(ctx context.Context, req PredictRequest) ([]Candidate, error) {
	var res PredictResponse
	httpRes, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		Post("/predict")
	if err != nil {
		return nil, fmt.Errorf("error reaching predictor: %w", err)
	}
	if !httpRes.IsSuccess() {
		return nil, fmt.Errorf("predictor returned status %d", httpRes.StatusCode())
	}
	return res.Candidates, nil
}

// TokenizeResult is the tokenizer collaborator's output. Entities maps
// placeholder tokens (QUOTED_STRING_0, NUMBER_1, ...) to their values.
type TokenizeResult struct {
	Tokens    []string       `json:"tokens"`
	RawTokens []string       `json:"raw_tokens"`
	Entities  map[string]any `json:"entities"`
}

type Tokenizer interface {
	Tokenize(ctx context.Context, language, query, expect string) (*TokenizeResult, error)
}

type HTTPTokenizer struct {
	client *resty.Client
}

func NewHTTPTokenizer(url string) *HTTPTokenizer {
	return &HTTPTokenizer{client: resty.New().SetBaseURL(url)}
}

func (t *HTTPTokenizer) Tokenize(ctx context.Context, language, query, expect string) (*TokenizeResult, error) {
	var res TokenizeResult
	httpRes, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"language": language, "q": query, "expect": expect}).
		SetResult(&res).
		Post("/tokenize")
	if err != nil {
		return nil, fmt.Errorf("error reaching tokenizer: %w", err)
	}
	if !httpRes.IsSuccess() {
		return nil, fmt.Errorf("tokenizer returned status %d", httpRes.StatusCode())
	}
	if res.Entities == nil {
		res.Entities = make(map[string]any)
	}
	return &res, nil
}
