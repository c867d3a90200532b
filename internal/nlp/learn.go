package nlp

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nlp-backend/internal/api"
	"nlp-backend/internal/codes"
	"nlp-backend/internal/database"
)

type LearnRequest struct {
	Query  string
	Target string

	// Store decides what happens to the sentence: "no" only validates,
	// "automatic" records it for review, "online" records it and teaches
	// the exact matcher immediately.
	Store string

	AccessToken string
}

type LearnResult struct {
	Result    string `json:"result"`
	Message   string `json:"message"`
	ExampleId int64  `json:"example_id,omitempty"`
}

// Learn validates and records one confirmed (utterance, target code) pair.
// Online examples become exact matches right away on this replica; the
// caller propagates the example id to the other replicas.
func (d *Dispatcher) Learn(ctx context.Context, modelTag, locale string, req *LearnRequest) (*LearnResult, error) {
	if req.Store != "no" && req.Store != "automatic" && req.Store != database.ExampleOnline {
		return nil, api.CodedErrorf(http.StatusBadRequest, "invalid store parameter")
	}

	model := d.registry.GetModel(modelTag, locale)
	if model == nil {
		return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
	}
	if model.AccessToken != "" && model.AccessToken != req.AccessToken {
		return nil, api.CodedErrorf(http.StatusNotFound, "no such model")
	}

	tokenized, err := d.tokenizer.Tokenize(ctx, model.Language, req.Query, "")
	if err != nil {
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error tokenizing query: %w", err)
	}
	if len(tokenized.Tokens) == 0 {
		return nil, api.CodedErrorf(http.StatusBadRequest, "refusing to learn an empty sentence")
	}

	parsed, err := codes.Parse(req.Target)
	if err != nil {
		return nil, api.CodedErrorf(http.StatusBadRequest, "invalid target code: %w", err)
	}
	targetCode := parsed.String()
	preprocessed := strings.Join(tokenized.Tokens, " ")

	if req.Store == "no" {
		return &LearnResult{Result: "ok", Message: "Validated successfully"}, nil
	}

	trainable := req.Store == database.ExampleOnline
	exampleType := req.Store
	if trainable && strings.HasPrefix(targetCode, "bookkeeping ") {
		exampleType = "online-bookkeeping"
	}

	row := database.Example{
		Language:     model.Language,
		Utterance:    req.Query,
		Preprocessed: preprocessed,
		TargetCode:   targetCode,
		Type:         exampleType,
		Training:     trainable,
		Exact:        trainable,
		CreationTime: time.Now(),
	}
	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error storing example: %w", err)
	}

	if trainable && model.Exact != nil {
		model.Exact.Add(preprocessed, targetCode)
	}

	return &LearnResult{Result: "ok", Message: "Learnt successfully", ExampleId: row.Id}, nil
}
