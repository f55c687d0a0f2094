package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Role          string `gorm:"not null"`
	CaseIDs       datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	Notifications datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time
}

type CaseModel struct {
	ID             string `gorm:"primaryKey"`
	Jurisdiction   string `gorm:"not null;index;uniqueIndex:idx_jurisdiction_ref,priority:1"`
	ReferenceNo    string `gorm:"not null;uniqueIndex:idx_jurisdiction_ref,priority:2"`
	PersonName     string `gorm:"not null"`
	Gender         string `gorm:"not null"`
	Age            int
	DateTs         int64  `gorm:"not null;index"`
	Location       string
	Description    string `gorm:"type:text"`
	Status         string `gorm:"not null;index"`
	OriginalStatus string
	IsAssigned     bool `gorm:"not null;default:false"`
	OwnerID        string `gorm:"index"`
	ReportedBy     string
	Visible        bool           `gorm:"not null;default:true"`
	IsFlagged      bool           `gorm:"not null;default:false"`
	Flags          datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	Timelines      datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	LastSearchedAt *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type CaseEmbeddingModel struct {
	ID           string `gorm:"primaryKey"`
	CaseID       string `gorm:"not null;index"`
	Jurisdiction string `gorm:"not null;index"`
	Position     int    `gorm:"not null"`
	Gender       string `gorm:"not null"`
	Status       string `gorm:"not null"`
	DateTs       int64  `gorm:"not null"`
	Embedding    pgvector.Vector `gorm:"type:vector(512)"`
	CreatedAt    time.Time       `gorm:"not null"`
}

type CounterModel struct {
	Name  string `gorm:"primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}
