package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nlp-backend/internal/database"
	"nlp-backend/internal/jobs"
	pub "nlp-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupAdminAPI(t *testing.T, db *gorm.DB) http.Handler {
	d := New(db, testRegistry(t), &instantRunner{}, nil, Config{JobsDir: t.TempDir()})
	service := NewAdminService(d, "test-token")

	router := chi.NewRouter()
	service.AddRoutes(router)
	return router
}

func TestAdminAPIRequiresToken(t *testing.T) {
	db := createDB(t)
	router := setupAdminAPI(t, db)

	jobId := uuid.New()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+jobId.String(), nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/jobs/"+jobId.String(), nil)
	r.Header.Set("Authorization", "Bearer wrong-token")
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// both auth styles reach the handler
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/jobs/"+jobId.String(), nil)
	r.Header.Set("Authorization", "Bearer test-token")
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+jobId.String()+"?access_token=test-token", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAPICreateAndGetJob(t *testing.T) {
	db := createDB(t)
	router := setupAdminAPI(t, db)

	body, err := json.Marshal(pub.CreateJobRequest{
		JobType:  jobs.JobTypeUpdateDataset,
		Language: "en",
		Devices:  []string{"com.twitter"},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/jobs/?access_token=test-token", bytes.NewReader(body))
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	created := jobsOfType(t, db, jobs.JobTypeUpdateDataset)
	require.Len(t, created, 1)

	waitForStatus(t, db, created[0].Id, database.JobSuccess)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/jobs/"+created[0].Id.String()+"?access_token=test-token", nil)
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var res pub.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, created[0].Id.String(), res.Id)
	assert.Equal(t, jobs.JobTypeUpdateDataset, res.JobType)
	assert.Equal(t, database.JobSuccess, res.Status)
	assert.Equal(t, 1.0, res.Progress)
	assert.NotNil(t, res.EndTime)
}

func TestAdminAPIBadRequest(t *testing.T) {
	db := createDB(t)
	router := setupAdminAPI(t, db)

	body, err := json.Marshal(pub.CreateJobRequest{JobType: "bogus", Language: "en"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/jobs/?access_token=test-token", bytes.NewReader(body))
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminAPIKillJob(t *testing.T) {
	queued := &database.TrainingJob{
		Id: uuid.New(), JobType: jobs.JobTypeTrain, Language: "en",
		DependsOn: uuid.NullUUID{UUID: uuid.New(), Valid: true},
		Status:    database.JobQueued, CreationTime: time.Now(),
	}
	db := createDB(t, queued)
	router := setupAdminAPI(t, db)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/jobs/"+queued.Id.String()+"/kill?access_token=test-token", nil)
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	job, err := database.GetJob(context.Background(), db, queued.Id)
	require.NoError(t, err)
	assert.Equal(t, database.JobError, job.Status)
	assert.Equal(t, database.ErrMsgKilled, job.Error.String)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/jobs/"+uuid.NewString()+"/kill?access_token=test-token", nil)
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
