package daemon

import (
	"errors"
	"net/http"

	"nlp-backend/internal/api"
	"nlp-backend/internal/database"
	"nlp-backend/internal/messaging"
	pub "nlp-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// AdminService is the daemon's HTTP surface, used by the portal's admin
// screens and by operators. Every route requires the shared access token.
type AdminService struct {
	daemon      *Daemon
	accessToken string
}

func NewAdminService(daemon *Daemon, accessToken string) *AdminService {
	return &AdminService{daemon: daemon, accessToken: accessToken}
}

func (s *AdminService) AddRoutes(r chi.Router) {
	r.Use(s.authorize)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", api.RestHandler(s.CreateJob))
		r.Get("/{job_id}", api.RestHandler(s.GetJob))
		r.Post("/{job_id}/kill", api.RestHandler(s.KillJob))
	})
}

// authorize accepts the token either as a bearer header or as an
// access_token query parameter, for callers that cannot set headers.
func (s *AdminService) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == s.accessToken ||
			r.Header.Get("Authorization") == "Bearer "+s.accessToken {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
	})
}

func (s *AdminService) CreateJob(r *http.Request) (any, error) {
	req, err := api.ParseRequest[pub.CreateJobRequest](r)
	if err != nil {
		return nil, err
	}

	payload := messaging.JobRequestPayload{
		JobType:  req.JobType,
		Language: req.Language,
		ModelTag: req.ModelTag,
		Devices:  req.Devices,
		Config:   req.Config,
	}
	if err := s.daemon.ScheduleJob(r.Context(), payload); err != nil {
		return nil, api.CodedError(http.StatusBadRequest, err)
	}

	return map[string]string{"result": "ok"}, nil
}

func (s *AdminService) GetJob(r *http.Request) (any, error) {
	jobId, err := api.URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	job, err := database.GetJob(r.Context(), s.daemon.db, jobId)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.CodedErrorf(http.StatusNotFound, "job %v not found", jobId)
		}
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error loading job %v", jobId)
	}

	return jobToResponse(job), nil
}

func (s *AdminService) KillJob(r *http.Request) (any, error) {
	jobId, err := api.URLParamUUID(r, "job_id")
	if err != nil {
		return nil, err
	}

	if err := s.daemon.KillJob(r.Context(), jobId); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, api.CodedErrorf(http.StatusNotFound, "job %v not found", jobId)
		}
		return nil, api.CodedErrorf(http.StatusInternalServerError, "error killing job %v", jobId)
	}

	return map[string]string{"result": "killed"}, nil
}

func jobToResponse(job *database.TrainingJob) pub.JobResponse {
	res := pub.JobResponse{
		Id:           job.Id.String(),
		JobType:      job.JobType,
		Language:     job.Language,
		ModelTag:     job.ModelTag.String,
		Status:       job.Status,
		TaskIndex:    job.TaskIndex,
		TaskName:     job.TaskName,
		Progress:     job.Progress,
		CreationTime: job.CreationTime,
		Metrics:      []byte(job.Metrics),
		TaskStats:    []byte(job.TaskStats),
		Error:        job.Error.String,
	}
	if job.Eta.Valid {
		res.Eta = &job.Eta.Time
	}
	if job.StartTime.Valid {
		res.StartTime = &job.StartTime.Time
	}
	if job.EndTime.Valid {
		res.EndTime = &job.EndTime.Time
	}
	return res
}
