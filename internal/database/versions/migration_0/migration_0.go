package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainingJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobType   string        `gorm:"size:32;not null;index"`
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

	Config    datatypes.JSON `gorm:"type:jsonb"`
	Metrics   datatypes.JSON `gorm:"type:jsonb"`
	TaskStats datatypes.JSON `gorm:"type:jsonb"`

	Error sql.NullString
}

type TrainingJobDevice struct {
	JobId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Device string    `gorm:"primaryKey;size:128"`
}

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

type NLPModel struct {
	Tag      string `gorm:"primaryKey;size:128"`
	Language string `gorm:"primaryKey;size:16"`

	Contextual bool `gorm:"default:false"`
	Trained    bool `gorm:"default:false"`
	UseExact   bool `gorm:"default:true"`

	AccessToken sql.NullString `gorm:"size:64"`
	Version     int            `gorm:"default:0"`

	Config  datatypes.JSON `gorm:"type:jsonb"`
	Metrics datatypes.JSON `gorm:"type:jsonb"`
}

func Migration(txn *gorm.DB) error {
	return txn.AutoMigrate(
		&TrainingJob{}, &TrainingJobDevice{}, &Example{}, &NLPModel{},
	)
}
