package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voicelab/callcheck/pkg/config"
)

// Sentinel errors returned by Store operations.
var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNotRunning indicates the operation requires a running result.
	ErrNotRunning = errors.New("test result is not running")

	// ErrRunInFlight indicates a running result already exists for the test.
	ErrRunInFlight = errors.New("a test result is already running for this test")
)

// ResultUpdate is a partial update of a TestResult. Nil fields are left
// unchanged; goal lists, when supplied, fully replace the stored ones.
type ResultUpdate struct {
	Status         *string
	CompletedGoals StringList
	FailedGoals    StringList
	Error          *string
}

// Store provides persistence for tests, runs, transcripts, and settings.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Settings.
	GetSettings(ctx context.Context) (*Settings, error)
	UpsertSettings(ctx context.Context, s *Settings) (*Settings, error)

	// Test CRUD.
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]Test, error)
	UpdateTest(ctx context.Context, t *Test) error
	DeleteTest(ctx context.Context, id string) error

	// Run lifecycle.
	CreateResult(ctx context.Context, testID string) (*TestResult, error)
	GetResult(ctx context.Context, id string) (*TestResult, error)
	GetRunningResult(ctx context.Context, testID string) (*TestResult, error)
	GetCurrentRunning(ctx context.Context) (*TestResult, error)
	ListResults(ctx context.Context, testID string, limit int) ([]TestResult, error)
	UpdateRunningResult(ctx context.Context, testID string, upd ResultUpdate) (*TestResult, error)
	UpdateResult(ctx context.Context, resultID string, upd ResultUpdate) (*TestResult, error)
	DeleteResult(ctx context.Context, testID, resultID string) error

	// Transcript.
	CreateTurn(ctx context.Context, testID, resultID string, turn *ConversationTurn) error
	ListTurns(ctx context.Context, resultID string) ([]ConversationTurn, error)

	// Operator accounts.
	SeedUsers(ctx context.Context, users []config.AuthUser) error
	GetUserByID(ctx context.Context, id uint) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Settings{},
		&Test{},
		&TestResult{},
		&ConversationTurn{},
		&User{},
		&Session{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// isUniqueViolation reports whether err is a unique constraint failure.
// Not every dialector translates to gorm.ErrDuplicatedKey, so the raw
// driver messages are checked as well.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// sqliteDSN enables foreign key enforcement on file databases.
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}

	return path + "?_pragma=foreign_keys(1)"
}

// --- Settings ---

func (s *store) GetSettings(ctx context.Context) (*Settings, error) {
	var settings Settings
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting settings: %w", err)
	}

	return &settings, nil
}

func (s *store) UpsertSettings(
	ctx context.Context, in *Settings,
) (*Settings, error) {
	out := Settings{ID: SettingsID}

	result := s.db.WithContext(ctx).
		Where("id = ?", SettingsID).
		Assign(map[string]any{
			"api_key":                 in.APIKey,
			"test_agent_phone_number": in.TestAgentPhoneNumber,
			"number_id":               in.NumberID,
		}).
		FirstOrCreate(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("upserting settings: %w", result.Error)
	}

	out.APIKey = in.APIKey
	out.TestAgentPhoneNumber = in.TestAgentPhoneNumber
	out.NumberID = in.NumberID

	return &out, nil
}

// --- Test CRUD ---

func (s *store) CreateTest(ctx context.Context, t *Test) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("creating test: %w", err)
	}

	return nil
}

func (s *store) GetTest(ctx context.Context, id string) (*Test, error) {
	var t Test
	if err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting test: %w", err)
	}

	return &t, nil
}

func (s *store) ListTests(ctx context.Context) ([]Test, error) {
	var tests []Test
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	return tests, nil
}

func (s *store) UpdateTest(ctx context.Context, t *Test) error {
	result := s.db.WithContext(ctx).
		Model(&Test{}).
		Where("id = ?", t.ID).
		Updates(map[string]any{
			"name":     t.Name,
			"persona":  t.Persona,
			"scenario": t.Scenario,
			"goals":    t.Goals,
		})
	if result.Error != nil {
		return fmt.Errorf("updating test: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteTest removes a test together with its results and their turns.
// The cascade is explicit so it holds even when the driver has foreign
// key enforcement off.
func (s *store) DeleteTest(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Test
		if err := tx.Where("id = ?", id).First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting test: %w", err)
		}

		if err := tx.Where(
			"test_result_id IN (?)",
			tx.Model(&TestResult{}).Select("id").Where("test_id = ?", id),
		).Delete(&ConversationTurn{}).Error; err != nil {
			return fmt.Errorf("deleting turns: %w", err)
		}

		if err := tx.Where("test_id = ?", id).
			Delete(&TestResult{}).Error; err != nil {
			return fmt.Errorf("deleting results: %w", err)
		}

		if err := tx.Delete(&t).Error; err != nil {
			return fmt.Errorf("deleting test: %w", err)
		}

		return nil
	})
}

// --- Run lifecycle ---

// CreateResult creates a new running result for the test. The partial
// unique index rejects a second running row for the same test.
func (s *store) CreateResult(
	ctx context.Context, testID string,
) (*TestResult, error) {
	var result *TestResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Test
		if err := tx.Select("id").
			Where("id = ?", testID).
			First(&t).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting test: %w", err)
		}

		result = &TestResult{
			TestID:         testID,
			Status:         StatusRunning,
			CompletedGoals: StringList{},
			FailedGoals:    StringList{},
		}

		if err := tx.Create(result).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrRunInFlight
			}

			return fmt.Errorf("creating result: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result.ConversationTurns = []ConversationTurn{}

	return result, nil
}

func (s *store) GetResult(
	ctx context.Context, id string,
) (*TestResult, error) {
	var r TestResult
	if err := s.db.WithContext(ctx).
		Preload("ConversationTurns", turnOrder).
		Where("id = ?", id).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting result: %w", err)
	}

	return &r, nil
}

func (s *store) GetRunningResult(
	ctx context.Context, testID string,
) (*TestResult, error) {
	var r TestResult
	if err := s.db.WithContext(ctx).
		Where("test_id = ? AND status = ?", testID, StatusRunning).
		Order("start_time DESC").
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting running result: %w", err)
	}

	return &r, nil
}

// GetCurrentRunning returns the most recent running result across all
// tests, joined with its owning test.
func (s *store) GetCurrentRunning(ctx context.Context) (*TestResult, error) {
	var r TestResult
	if err := s.db.WithContext(ctx).
		Preload("Test").
		Where("status = ?", StatusRunning).
		Order("start_time DESC").
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting current running result: %w", err)
	}

	return &r, nil
}

func (s *store) ListResults(
	ctx context.Context, testID string, limit int,
) ([]TestResult, error) {
	var results []TestResult
	if err := s.db.WithContext(ctx).
		Preload("ConversationTurns", turnOrder).
		Where("test_id = ?", testID).
		Order("start_time DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	for i := range results {
		if results[i].ConversationTurns == nil {
			results[i].ConversationTurns = []ConversationTurn{}
		}
	}

	return results, nil
}

// UpdateRunningResult applies a partial update to the current running
// result of the test, most recent by start time.
func (s *store) UpdateRunningResult(
	ctx context.Context, testID string, upd ResultUpdate,
) (*TestResult, error) {
	var resultID string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r TestResult
		if err := tx.Where(
			"test_id = ? AND status = ?", testID, StatusRunning,
		).Order("start_time DESC").First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting running result: %w", err)
		}

		resultID = r.ID

		return applyResultUpdate(tx, resultID, upd)
	})
	if err != nil {
		return nil, err
	}

	return s.GetResult(ctx, resultID)
}

// UpdateResult applies a partial update to a result regardless of state.
// Used by the run controller to transition an aborted run to failed.
func (s *store) UpdateResult(
	ctx context.Context, resultID string, upd ResultUpdate,
) (*TestResult, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r TestResult
		if err := tx.Select("id").
			Where("id = ?", resultID).
			First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting result: %w", err)
		}

		return applyResultUpdate(tx, resultID, upd)
	})
	if err != nil {
		return nil, err
	}

	return s.GetResult(ctx, resultID)
}

// applyResultUpdate writes the supplied fields. A transition to a terminal
// status stamps end_time.
func applyResultUpdate(tx *gorm.DB, resultID string, upd ResultUpdate) error {
	updates := make(map[string]any, 5)

	if upd.Status != nil {
		updates["status"] = *upd.Status

		if *upd.Status == StatusCompleted || *upd.Status == StatusFailed {
			updates["end_time"] = time.Now().UTC()
		}
	}

	if upd.CompletedGoals != nil {
		updates["completed_goals"] = upd.CompletedGoals
	}

	if upd.FailedGoals != nil {
		updates["failed_goals"] = upd.FailedGoals
	}

	if upd.Error != nil {
		updates["error"] = *upd.Error
	}

	if len(updates) == 0 {
		return nil
	}

	if err := tx.Model(&TestResult{}).
		Where("id = ?", resultID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating result: %w", err)
	}

	return nil
}

// DeleteResult removes a result scoped to its owning test, together with
// its turns.
func (s *store) DeleteResult(ctx context.Context, testID, resultID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r TestResult
		if err := tx.Where(
			"id = ? AND test_id = ?", resultID, testID,
		).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting result: %w", err)
		}

		if err := tx.Where("test_result_id = ?", resultID).
			Delete(&ConversationTurn{}).Error; err != nil {
			return fmt.Errorf("deleting turns: %w", err)
		}

		if err := tx.Delete(&r).Error; err != nil {
			return fmt.Errorf("deleting result: %w", err)
		}

		return nil
	})
}

// --- Transcript ---

// CreateTurn appends a turn to a running result. The running check and the
// insert share a transaction so a turn can never land on a result that
// finished in between.
func (s *store) CreateTurn(
	ctx context.Context, testID, resultID string, turn *ConversationTurn,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r TestResult
		if err := tx.Where(
			"id = ? AND test_id = ?", resultID, testID,
		).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}

			return fmt.Errorf("getting result: %w", err)
		}

		if r.Status != StatusRunning {
			return ErrNotRunning
		}

		turn.TestResultID = resultID

		if err := tx.Create(turn).Error; err != nil {
			return fmt.Errorf("creating turn: %w", err)
		}

		return nil
	})
}

func (s *store) ListTurns(
	ctx context.Context, resultID string,
) ([]ConversationTurn, error) {
	var turns []ConversationTurn
	if err := s.db.WithContext(ctx).
		Where("test_result_id = ?", resultID).
		Order("timestamp ASC").
		Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}

	return turns, nil
}

// turnOrder orders preloaded turns ascending by timestamp.
func turnOrder(db *gorm.DB) *gorm.DB {
	return db.Order("conversation_turns.timestamp ASC")
}

// --- Operator accounts ---

// SeedUsers upserts config-sourced operator accounts with bcrypt hashes.
func (s *store) SeedUsers(
	ctx context.Context, users []config.AuthUser,
) error {
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return fmt.Errorf("hashing password for %q: %w", u.Username, err)
		}

		user := User{Username: u.Username}

		if err := s.db.WithContext(ctx).
			Where("username = ?", u.Username).
			Assign(map[string]any{"password_hash": string(hash)}).
			FirstOrCreate(&user).Error; err != nil {
			return fmt.Errorf("seeding user %q: %w", u.Username, err)
		}
	}

	s.log.WithField("count", len(users)).Info("Seeded users from config")

	return nil
}

func (s *store) GetUserByID(ctx context.Context, id uint) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting user by id: %w", err)
	}

	return &user, nil
}

func (s *store) GetUserByUsername(
	ctx context.Context, username string,
) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting user by username: %w", err)
	}

	return &user, nil
}

func (s *store) CreateSession(
	ctx context.Context, session *Session,
) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

func (s *store) GetSessionByToken(
	ctx context.Context, token string,
) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting session by token: %w", err)
	}

	return &session, nil
}

func (s *store) DeleteSession(ctx context.Context, token string) error {
	if err := s.db.WithContext(ctx).
		Where("token = ?", token).
		Delete(&Session{}).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

func (s *store) DeleteExpiredSessions(ctx context.Context) error {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("deleting expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		s.log.WithField("count", result.RowsAffected).
			Debug("Cleaned up expired sessions")
	}

	return nil
}
