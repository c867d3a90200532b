package messaging

import (
	"context"
	"encoding/json"
	"time"
)

const (
	JobRequestQueue = "job_request_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// JobRequestPayload asks the training controller to queue a job. ModelTag is
// empty for dataset jobs, which operate on a whole language rather than a
// single model.
type JobRequestPayload struct {
	JobType  string   `json:"job_type"`
	Language string   `json:"language"`
	ModelTag string   `json:"model_tag,omitempty"`
	Devices  []string `json:"devices,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
}

type Publisher interface {
	PublishJobRequest(ctx context.Context, payload JobRequestPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
