package nlp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"nlp-backend/internal/database"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, rows ...any) (*testEnv, *chi.Mux) {
	env := newTestEnv(t, rows...)
	service := NewService(env.dispatcher, env.registry, fakeTokenizer{}, nil, "test-admin-token")

	router := chi.NewRouter()
	service.AddRoutes(router)
	return env, router
}

func TestQueryEndpoint(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/en-US/query?q=post+on+twitter", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "no-store,must-revalidate", res.Header().Get("Cache-Control"))

	var result QueryResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &result))
	assert.Equal(t, "ok", result.Result)
	assert.Equal(t, []string{"post", "on", "twitter"}, result.Tokens)
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, []string{"now", "=>", "@com.twitter.post"}, result.Candidates[0].Code)

	// clients depend on the intent stub still being present
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &raw))
	require.Contains(t, raw, "intent")
	assert.Equal(t, Intent{Command: 1}, result.Intent)
}

func TestQueryEndpointPostBody(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	body, err := json.Marshal(map[string]any{"q": "post on twitter", "limit": 1})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/@org.thingpedia.models.default/en/query", bytes.NewReader(body))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var result QueryResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &result))
	assert.Len(t, result.Candidates, 1)
}

func TestQueryEndpointMissingQuery(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/en/query", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assertJsonError(t, res, "missing query")
}

func assertJsonError(t *testing.T, res *httptest.ResponseRecorder, message string) {
	t.Helper()
	assert.Equal(t, "application/json", res.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, message, body["error"])
}

func TestQueryEndpointUnknownModel(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/@org.example.missing/en/query?q=hello", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
	assertJsonError(t, res, "no such model")
}

func TestTokenizeEndpoint(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/en-US/tokenize?q=Hello+World", nil))
	require.Equal(t, http.StatusOK, res.Code)

	var result tokenizeResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &result))
	assert.Equal(t, "ok", result.Result)
	assert.Equal(t, []string{"hello", "world"}, result.Tokens)
}

func TestLearnEndpoint(t *testing.T) {
	env, router := setupServer(t, modelRow(TagDefault, "en", true))

	body, err := json.Marshal(map[string]string{
		"q":      "post on twitter",
		"target": "now => @com.twitter.post",
		"store":  "online",
	})
	require.NoError(t, err)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/en/learn", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, res.Code)

	var result LearnResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &result))
	require.NotZero(t, result.ExampleId)

	var row database.Example
	require.NoError(t, env.db.First(&row, "id = ?", result.ExampleId).Error)
	assert.Equal(t, database.ExampleOnline, row.Type)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	for _, target := range []string{
		"/admin/reload/@org.thingpedia.models.default/en",
		"/admin/reload/exact/@org.thingpedia.models.default/en",
	} {
		res := httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, target, nil))
		assert.Equal(t, http.StatusUnauthorized, res.Code, target)
		assertJsonError(t, res, "Not Authorized")

		res = httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodPost, target+"?admin_token=wrong", nil))
		assert.Equal(t, http.StatusUnauthorized, res.Code, target)
	}
}

func TestAdminReloadPicksUpNewVersion(t *testing.T) {
	env, router := setupServer(t, modelRow(TagDefault, "en", true))

	require.NoError(t, env.db.Model(&database.NLPModel{Tag: TagDefault, Language: "en"}).
		Update("version", 7).Error)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost,
		"/admin/reload/@"+TagDefault+"/en?admin_token=test-admin-token", nil))
	require.Equal(t, http.StatusOK, res.Code)

	model := env.registry.GetModel(TagDefault, "en")
	require.NotNil(t, model)
	assert.Equal(t, 7, model.Version)
}

func TestAdminReloadUnknownModel(t *testing.T) {
	_, router := setupServer(t, modelRow(TagDefault, "en", true))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, httptest.NewRequest(http.MethodPost,
		"/admin/reload/@org.example.missing/en?admin_token=test-admin-token", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestAdminReloadExactByExampleId(t *testing.T) {
	env, router := setupServer(t, modelRow(TagDefault, "en", true))

	row := database.Example{
		Language:     "en",
		Preprocessed: "close the garage",
		TargetCode:   "now => @com.garage.close",
		Type:         database.ExampleOnline,
		Training:     true,
		Exact:        true,
		CreationTime: time.Now(),
	}
	require.NoError(t, env.db.Create(&row).Error)

	form := url.Values{"example_id": []string{strconv.FormatInt(row.Id, 10)}}
	req := httptest.NewRequest(http.MethodPost,
		"/admin/reload/exact/@default/en?admin_token=test-admin-token",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	model := env.registry.GetModel("default", "en")
	matches := model.Exact.Get([]string{"close", "the", "garage"})
	require.NotEmpty(t, matches)
	assert.Equal(t, "now => @com.garage.close", strings.Join(matches[0], " "))
}
