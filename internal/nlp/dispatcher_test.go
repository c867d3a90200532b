package nlp

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"nlp-backend/internal/database"
	"nlp-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	// named so pooled connections see the same database, but distinct per test
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

// fakePredictor returns a fixed candidate list and counts invocations.
type fakePredictor struct {
	mu         sync.Mutex
	calls      int
	candidates []Candidate
}

func (p *fakePredictor) Predict(ctx context.Context, req PredictRequest) ([]Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	out := make([]Candidate, len(p.candidates))
	copy(out, p.candidates)
	return out, nil
}

func (p *fakePredictor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeTokenizer splits on whitespace and lowercases, close enough to the
// real collaborator for routing purposes.
type fakeTokenizer struct{}

func (fakeTokenizer) Tokenize(ctx context.Context, language, query, expect string) (*TokenizeResult, error) {
	tokens := strings.Fields(strings.ToLower(query))
	return &TokenizeResult{Tokens: tokens, RawTokens: tokens, Entities: map[string]any{}}, nil
}

func modelRow(tag, language string, trained bool) *database.NLPModel {
	return &database.NLPModel{Tag: tag, Language: language, Trained: trained, UseExact: true}
}

type testEnv struct {
	db         *gorm.DB
	registry   *Registry
	dispatcher *Dispatcher
	predictor  *fakePredictor
}

func newTestEnv(t *testing.T, rows ...any) *testEnv {
	db := createDB(t, rows...)

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), "datasets"))

	predictor := &fakePredictor{candidates: []Candidate{
		{Code: []string{"now", "=>", "@com.twitter.post"}, Score: 0.9},
	}}
	registry := NewRegistry(db, store, "datasets", func(tag, language string, version int) Predictor {
		return predictor
	})
	require.NoError(t, registry.LoadAll(context.Background()))

	dispatcher := NewDispatcher(db, registry, fakeTokenizer{}, NewPredictionCache(100))
	return &testEnv{db: db, registry: registry, dispatcher: dispatcher, predictor: predictor}
}

func TestLocaleFallbacks(t *testing.T) {
	assert.Equal(t, []string{"en-us", "en"}, localeFallbacks("en-US"))
	assert.Equal(t, []string{"zh-hant-tw", "zh-hant", "zh"}, localeFallbacks("zh_Hant.TW"))
	assert.Equal(t, []string{"en"}, localeFallbacks("en"))
}

func TestFallbackTagsPreferContextMatch(t *testing.T) {
	assert.Equal(t,
		[]string{TagDeveloperContextual, TagContextual, TagDeveloper, TagDefault},
		fallbackTags(true, true))
	assert.Equal(t,
		[]string{TagDeveloper, TagDefault, TagDeveloperContextual, TagContextual},
		fallbackTags(true, false))
	assert.Equal(t,
		[]string{TagContextual, TagDeveloperContextual, TagDefault, TagDeveloper},
		fallbackTags(false, true))
	assert.Equal(t,
		[]string{TagDefault, TagDeveloper, TagContextual, TagDeveloperContextual},
		fallbackTags(false, false))
}

func TestRegistryLookup(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	model := env.registry.GetModel("default", "en-US")
	require.NotNil(t, model)
	assert.Equal(t, TagDefault, model.Tag)
	assert.Equal(t, "en", model.Language)

	assert.Nil(t, env.registry.GetModel("org.example.missing", "en"))
	assert.Nil(t, env.registry.GetModel("default", "it"))
}

func TestQueryModelGating(t *testing.T) {
	env := newTestEnv(t,
		modelRow(TagDefault, "en", true),
		&database.NLPModel{
			Tag: "org.example.private", Language: "en", Trained: true, UseExact: true,
			AccessToken: sql.NullString{String: "secret", Valid: true},
		},
		modelRow("org.example.untrained", "en", false),
	)

	cases := []struct {
		name string
		req  QueryRequest
	}{
		{"unknown tag", QueryRequest{Query: "post on twitter", Locale: "en", ModelTag: "org.example.missing"}},
		{"untrained model", QueryRequest{Query: "post on twitter", Locale: "en", ModelTag: "org.example.untrained"}},
		{"missing access token", QueryRequest{Query: "post on twitter", Locale: "en", ModelTag: "org.example.private"}},
		{"wrong access token", QueryRequest{Query: "post on twitter", Locale: "en", ModelTag: "org.example.private", AccessToken: "nope"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := env.dispatcher.Query(context.Background(), &c.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "no such model")
		})
	}

	result, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en", ModelTag: "org.example.private", AccessToken: "secret",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Candidates)
}

func TestQueryFallsBackToTrainedModel(t *testing.T) {
	env := newTestEnv(t,
		modelRow(TagDeveloper, "en", false),
		modelRow(TagDefault, "en", true),
	)

	result, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en", DeveloperKey: "d0g",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"now", "=>", "@com.twitter.post"}, result.Candidates[0].Code)
}

func TestQueryInvalidStore(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	_, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "hello", Locale: "en", Store: "maybe",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid store parameter")
}

func TestQueryShortCircuits(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))
	ctx := context.Background()

	t.Run("empty input", func(t *testing.T) {
		result, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "", Locale: "en", Tokenized: true})
		require.NoError(t, err)
		require.Len(t, result.Candidates, 1)
		assert.Equal(t, []string{"bookkeeping", "special", "special:failed"}, result.Candidates[0].Code)
		assert.Equal(t, ScoreExact, result.Candidates[0].Score)
	})

	t.Run("single entity answer", func(t *testing.T) {
		result, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "QUOTED_STRING_0", Locale: "en", Tokenized: true})
		require.NoError(t, err)
		require.Len(t, result.Candidates, 1)
		assert.Equal(t, []string{"bookkeeping", "answer", "QUOTED_STRING_0"}, result.Candidates[0].Code)
	})

	t.Run("yes no answer", func(t *testing.T) {
		result, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "1", Locale: "en", Tokenized: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"bookkeeping", "answer", "1"}, result.Candidates[0].Code)
	})

	t.Run("location answer", func(t *testing.T) {
		result, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "palo alto", Locale: "en", Expect: "Location"})
		require.NoError(t, err)
		require.Len(t, result.Candidates, 1)
		assert.Equal(t,
			[]string{"bookkeeping", "answer", "location:", `"`, "palo", "alto", `"`},
			result.Candidates[0].Code)
	})

	assert.Zero(t, env.predictor.callCount())
}

func TestQueryMultipleChoice(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	result, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query:   "turn on the lights",
		Locale:  "en",
		Expect:  "MultipleChoice",
		Choices: []string{"open the garage", "turn on the lights"},
	})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 2)

	// the verbatim choice ranks first
	assert.Equal(t, []string{"bookkeeping", "choice", "1"}, result.Candidates[0].Code)
	assert.Equal(t, Score(0), result.Candidates[0].Score)
	assert.Equal(t, []string{"bookkeeping", "choice", "0"}, result.Candidates[1].Code)
	assert.Less(t, float64(result.Candidates[1].Score), 0.0)
	assert.Zero(t, env.predictor.callCount())
}

func TestQueryPrependsExactMatches(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	model := env.registry.GetModel("default", "en")
	require.NotNil(t, model)
	model.Exact.Add("post on twitter", "now => @com.twitter.post param:status = QUOTED_STRING_0")

	result, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en",
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(result.Candidates), 2)
	assert.Equal(t, ScoreExact, result.Candidates[0].Score)
	assert.Equal(t, "now => @com.twitter.post param:status = QUOTED_STRING_0",
		strings.Join(result.Candidates[0].Code, " "))
	assert.Equal(t, []string{"now", "=>", "@com.twitter.post"}, result.Candidates[1].Code)
}

func TestQueryFiltersUnparsableCandidates(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))
	env.predictor.candidates = []Candidate{
		{Code: []string{`"`, "dangling", "quote"}, Score: 0.8},
		{Code: []string{"now", "=>", "@com.twitter.post"}, Score: 0.5},
	}

	result, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en",
	})
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, []string{"now", "=>", "@com.twitter.post"}, result.Candidates[0].Code)

	skipped, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en", SkipTypechecking: true,
	})
	require.NoError(t, err)
	assert.Len(t, skipped.Candidates, 2)
}

func TestQueryCachesPredictions(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "post on twitter", Locale: "en"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, env.predictor.callCount())

	// the limit is volatile, it must not split the cache
	result, err := env.dispatcher.Query(ctx, &QueryRequest{Query: "post on twitter", Locale: "en", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, result.Candidates, 1)
	assert.Equal(t, 1, env.predictor.callCount())

	_, err = env.dispatcher.Query(ctx, &QueryRequest{Query: "something else entirely", Locale: "en"})
	require.NoError(t, err)
	assert.Equal(t, 2, env.predictor.callCount())
}

func TestQueryLogsUtterance(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	_, err := env.dispatcher.Query(context.Background(), &QueryRequest{
		Query: "post on twitter", Locale: "en", Store: "yes",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		var row database.Example
		if err := env.db.First(&row, "type = ?", database.ExampleLog).Error; err != nil {
			return false
		}
		return row.Preprocessed == "post on twitter" &&
			row.TargetCode == "now => @com.twitter.post" &&
			row.Language == "en" && !row.Training && !row.Exact
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLearn(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))
	ctx := context.Background()

	result, err := env.dispatcher.Learn(ctx, "", "en", &LearnRequest{
		Query:  "Post on Twitter",
		Target: `now  =>  @com.twitter.post param:status = " hello "`,
		Store:  "online",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Result)
	require.NotZero(t, result.ExampleId)

	var row database.Example
	require.NoError(t, env.db.First(&row, "id = ?", result.ExampleId).Error)
	assert.Equal(t, "post on twitter", row.Preprocessed)
	assert.Equal(t, `now => @com.twitter.post param:status = " hello "`, row.TargetCode)
	assert.True(t, row.Training)
	assert.True(t, row.Exact)

	// the sentence answers exactly on this replica right away
	model := env.registry.GetModel("default", "en")
	matches := model.Exact.Get([]string{"post", "on", "twitter"})
	require.NotEmpty(t, matches)
}

func TestLearnValidateOnly(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))

	result, err := env.dispatcher.Learn(context.Background(), "", "en", &LearnRequest{
		Query: "post on twitter", Target: "now => @com.twitter.post", Store: "no",
	})
	require.NoError(t, err)
	assert.Zero(t, result.ExampleId)

	var count int64
	require.NoError(t, env.db.Model(&database.Example{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLearnRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, modelRow(TagDefault, "en", true))
	ctx := context.Background()

	_, err := env.dispatcher.Learn(ctx, "", "en", &LearnRequest{Query: "hi", Target: "x", Store: "sideways"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid store parameter")

	_, err = env.dispatcher.Learn(ctx, "", "en", &LearnRequest{Query: "   ", Target: "now", Store: "online"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty sentence")

	_, err = env.dispatcher.Learn(ctx, "", "en", &LearnRequest{Query: "hi", Target: `now => "`, Store: "online"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target code")
}

func TestScoreMarshalsInfinity(t *testing.T) {
	data, err := Candidate{Code: []string{"now"}, Score: ScoreExact}.Score.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"Infinity"`, string(data))

	var score Score
	require.NoError(t, score.UnmarshalJSON([]byte(`"Infinity"`)))
	assert.Equal(t, ScoreExact, score)

	require.NoError(t, score.UnmarshalJSON([]byte(`0.25`)))
	assert.Equal(t, Score(0.25), score)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 0, editDistance([]string{"a", "b"}, []string{"a", "b"}))
	assert.Equal(t, 1, editDistance([]string{"a", "b"}, []string{"a", "c"}))
	assert.Equal(t, 2, editDistance([]string{"a"}, []string{"b", "c"}))
	assert.Equal(t, 3, editDistance(nil, []string{"a", "b", "c"}))
}
