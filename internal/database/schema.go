package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued  string = "queued"
	JobStarted string = "started"
	JobSuccess string = "success"
	JobError   string = "error"
)

// Error messages with special meaning to the daemon. Jobs that fail with one
// of these are expected terminations and are not reported as failures.
const (
	ErrMsgKilled           = "Killed"
	ErrMsgDependencyFailed = "Dependency failed"
	ErrMsgControllerReset  = "Controller process restarted"
)

type TrainingJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobType string `gorm:"size:32;not null;index"`

	// A job with DependsOn set is not eligible to start until the referenced
	// job leaves the queue.
	DependsOn uuid.NullUUID `gorm:"type:uuid"`

	Language string         `gorm:"size:16;not null"`
	ModelTag sql.NullString `gorm:"size:128"`

	AllDevices bool                `gorm:"default:false"`
	Devices    []TrainingJobDevice `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`

	Status    string  `gorm:"size:20;not null"`
	TaskIndex int     `gorm:"default:0"`
	TaskName  string  `gorm:"size:64"`
	Progress  float64 `gorm:"default:0"`
	Eta       sql.NullTime

	CreationTime time.Time
	StartTime    sql.NullTime
	EndTime      sql.NullTime

	Config    datatypes.JSON `gorm:"type:jsonb"` // opaque, consumed by tasks
	Metrics   datatypes.JSON `gorm:"type:jsonb"` // opaque result blob
	TaskStats datatypes.JSON `gorm:"type:jsonb"` // task name -> wall time (seconds)

	Error sql.NullString
}

type TrainingJobDevice struct {
	JobId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Device string    `gorm:"primaryKey;size:128"`
}

const (
	ExampleGenerated = "generated"
	ExampleOnline    = "online"
	ExampleCommand   = "commandpedia"
	ExampleLog       = "log"
)

// Example is one entry of the sentence corpus for a language. Generated rows
// are produced by the dataset updater; the other types are hand-authored or
// logged and are only ever flagged obsolete, never deleted.
type Example struct {
	Id int64 `gorm:"primaryKey;autoIncrement"`

	Language     string `gorm:"size:16;not null;index"`
	Utterance    string
	Preprocessed string `gorm:"not null"`
	TargetCode   string `gorm:"not null"`

	Type string `gorm:"size:32;not null;index"`

	Training bool `gorm:"default:false"`
	Exact    bool `gorm:"default:false"`
	Obsolete bool `gorm:"default:false"`

	CreationTime time.Time
}

// NLPModel is the registry row for one servable (tag, locale) pair.
type NLPModel struct {
	Tag      string `gorm:"primaryKey;size:128"`
	Language string `gorm:"primaryKey;size:16"`

	Contextual bool `gorm:"default:false"`
	Trained    bool `gorm:"default:false"`
	UseExact   bool `gorm:"default:true"`

	AccessToken sql.NullString `gorm:"size:64"`
	Version     int            `gorm:"default:0"`

	Config datatypes.JSON `gorm:"type:jsonb"`

	// evaluation metrics copied from the training job that produced the
	// current version
	Metrics datatypes.JSON `gorm:"type:jsonb"`
}

func (m *NLPModel) HandleId() string {
	return "@" + m.Tag + "/" + m.Language
}
