package api

import (
	"encoding/json"
	"time"
)

// CreateJobRequest asks the training controller to queue work. JobType is
// "update-dataset", "train", or "update-dataset,train" to chain both.
// Devices narrows the affected device set; empty means all devices.
type CreateJobRequest struct {
	JobType  string   `json:"job_type"`
	Language string   `json:"language"`
	ModelTag string   `json:"model_tag,omitempty"`
	Devices  []string `json:"devices,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
}

type JobResponse struct {
	Id       string `json:"id"`
	JobType  string `json:"job_type"`
	Language string `json:"language"`
	ModelTag string `json:"model_tag,omitempty"`

	Status    string  `json:"status"`
	TaskIndex int     `json:"task_index"`
	TaskName  string  `json:"task_name,omitempty"`
	Progress  float64 `json:"progress"`

	Eta          *time.Time `json:"eta,omitempty"`
	CreationTime time.Time  `json:"creation_time"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`

	Metrics   json.RawMessage `json:"metrics,omitempty"`
	TaskStats json.RawMessage `json:"task_stats,omitempty"`

	Error string `json:"error,omitempty"`
}
