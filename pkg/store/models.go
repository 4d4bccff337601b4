package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TestResult status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ConversationTurn speaker values.
const (
	SpeakerAgent  = "agent"
	SpeakerTester = "tester"
)

// SettingsID is the fixed key of the single settings row.
const SettingsID = "default"

// StringList is an ordered sequence of strings persisted as a JSON text
// column. A missing or NULL value scans to an empty list, never nil.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}

	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding string list: %w", err)
	}

	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var data []byte

	switch v := src.(type) {
	case nil:
		*l = StringList{}

		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported string list source type %T", src)
	}

	if len(data) == 0 {
		*l = StringList{}

		return nil
	}

	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decoding string list: %w", err)
	}

	if out == nil {
		out = []string{}
	}

	*l = out

	return nil
}

// Settings holds the voice gateway credentials. A single row with a fixed
// key is upserted in place; reads still order by updated_at desc so rows
// written before the fixed key existed resolve the same way.
type Settings struct {
	ID                   string    `gorm:"primaryKey;size:36" json:"id"`
	APIKey               string    `gorm:"not null" json:"apiKey"`
	TestAgentPhoneNumber string    `gorm:"not null" json:"testAgentPhoneNumber"`
	NumberID             string    `json:"numberId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Test is a reusable scenario definition for exercising a voice agent.
type Test struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	Name      string       `gorm:"not null" json:"name"`
	Persona   string       `gorm:"not null" json:"persona"`
	Scenario  string       `gorm:"not null" json:"scenario"`
	Goals     StringList   `gorm:"type:text;not null" json:"goals"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	Results   []TestResult `gorm:"foreignKey:TestID;constraint:OnDelete:CASCADE" json:"-"`
}

// BeforeCreate assigns a UUID primary key.
func (t *Test) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	return nil
}

// TestResult is one execution instance of a Test. The partial unique index
// on test_id enforces at most one running result per test at the storage
// layer; concurrent starts lose with a duplicate-key error instead of
// racing to a second running row.
type TestResult struct {
	ID                string             `gorm:"primaryKey;size:36" json:"id"`
	TestID            string             `gorm:"size:36;not null;index;index:idx_results_one_running,unique,where:status = 'running'" json:"testId"`
	Status            string             `gorm:"not null;default:running;index" json:"status"`
	CompletedGoals    StringList         `gorm:"type:text;not null" json:"completedGoals"`
	FailedGoals       StringList         `gorm:"type:text;not null" json:"failedGoals"`
	StartTime         time.Time          `gorm:"index" json:"startTime"`
	EndTime           *time.Time         `json:"endTime"`
	Error             *string            `json:"error"`
	ConversationTurns []ConversationTurn `gorm:"foreignKey:TestResultID;constraint:OnDelete:CASCADE" json:"conversationTurns"`
	Test              *Test              `gorm:"foreignKey:TestID" json:"-"`
}

// BeforeCreate assigns a UUID primary key and the start timestamp.
func (r *TestResult) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if r.StartTime.IsZero() {
		r.StartTime = time.Now().UTC()
	}

	return nil
}

// ConversationTurn is one utterance in a transcript. Append-only; turns are
// never mutated or reordered after insertion.
type ConversationTurn struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	TestResultID string    `gorm:"size:36;not null;index" json:"testResultId"`
	Speaker      string    `gorm:"not null" json:"speaker"`
	Message      string    `gorm:"not null" json:"message"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
}

// BeforeCreate assigns a UUID primary key and the turn timestamp.
func (t *ConversationTurn) BeforeCreate(_ *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	return nil
}

// User represents an operator account seeded from config.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session represents an active operator session.
type Session struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Token     string    `gorm:"uniqueIndex;not null" json:"-"`
	UserID    uint      `gorm:"not null" json:"user_id"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
