package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"findkin/pkg/domain"
)

const migrateLockID int64 = 52915291

const embeddingDim = 512

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&UserModel{}, &CaseModel{}, &CaseEmbeddingModel{}, &CounterModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

// --- users ---

func (s *GormStore) SaveUser(u domain.User) error {
	model, err := userToModel(u)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
}

func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, err
	}
	user, err := userFromModel(model)
	if err != nil {
		return domain.User{}, false, err
	}
	return user, true, nil
}

// AppendUserCase appends the case id to the user's case list unless present.
func (s *GormStore) AppendUserCase(userID, caseID string) error {
	element, err := json.Marshal([]string{caseID})
	if err != nil {
		return err
	}
	res := s.db.Exec(
		`UPDATE user_models
		 SET case_ids = case_ids || ?::jsonb, updated_at = ?
		 WHERE id = ? AND NOT case_ids @> ?::jsonb`,
		string(element), time.Now().UTC(), userID, string(element),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		exists, err := s.hasUser(userID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *GormStore) AppendNotification(userID string, n domain.Notification) error {
	element, err := json.Marshal([]domain.Notification{n})
	if err != nil {
		return err
	}
	res := s.db.Exec(
		`UPDATE user_models
		 SET notifications = notifications || ?::jsonb, updated_at = ?
		 WHERE id = ?`,
		string(element), time.Now().UTC(), userID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListNotifications(userID string, offset, limit int) (NotificationPage, error) {
	user, ok, err := s.GetUser(userID)
	if err != nil {
		return NotificationPage{}, err
	}
	if !ok {
		return NotificationPage{}, ErrNotFound
	}
	return pageNotifications(user.Notifications, offset, limit), nil
}

func (s *GormStore) MarkNotificationsRead(userID string, ids []string, all bool) (ReadReceipt, error) {
	receipt := ReadReceipt{Updated: []string{}, AlreadyRead: []string{}, Invalid: []string{}}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model UserModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var notifications []domain.Notification
		if err := json.Unmarshal(model.Notifications, &notifications); err != nil {
			return fmt.Errorf("decode notifications: %w", err)
		}
		notifications, receipt = partitionRead(notifications, ids, all)
		raw, err := json.Marshal(notifications)
		if err != nil {
			return err
		}
		return tx.Model(&UserModel{}).Where("id = ?", userID).
			Updates(map[string]any{"notifications": datatypes.JSON(raw), "updated_at": time.Now().UTC()}).Error
	})
	return receipt, err
}

func (s *GormStore) hasUser(id string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- cases ---

func (s *GormStore) CreateCase(c domain.Case) error {
	model, err := caseToModel(c)
	if err != nil {
		return err
	}
	err = s.db.Create(&model).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

func (s *GormStore) GetCase(id string) (domain.Case, bool, error) {
	var model CaseModel
	err := s.db.First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Case{}, false, nil
	}
	if err != nil {
		return domain.Case{}, false, err
	}
	c, err := caseFromModel(model)
	if err != nil {
		return domain.Case{}, false, err
	}
	return c, true, nil
}

// DeleteCase removes the record. Deleting an absent case is a no-op so saga
// compensation stays idempotent.
func (s *GormStore) DeleteCase(id string) error {
	return s.db.Delete(&CaseModel{}, "id = ?", id).Error
}

func (s *GormStore) HasCaseReference(jurisdiction, referenceNo string) (bool, error) {
	var count int64
	err := s.db.Model(&CaseModel{}).
		Where("jurisdiction = ? AND reference_no = ?", jurisdiction, referenceNo).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) UpdateDescription(id, description string) error {
	res := s.db.Model(&CaseModel{}).Where("id = ?", id).
		Updates(map[string]any{"description": description, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendFlag pushes the flag and returns the new count from the same UPDATE,
// so the flag-threshold check cannot double-fire under concurrent flaggers.
func (s *GormStore) AppendFlag(caseID string, f domain.Flag) (int, error) {
	element, err := json.Marshal([]domain.Flag{f})
	if err != nil {
		return 0, err
	}
	var count int
	res := s.db.Raw(
		`UPDATE case_models
		 SET flags = flags || ?::jsonb, updated_at = ?
		 WHERE id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM jsonb_array_elements(flags) f WHERE f->>'actorId' = ?
		   )
		 RETURNING jsonb_array_length(flags)`,
		string(element), time.Now().UTC(), caseID, f.ActorID,
	).Scan(&count)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		_, ok, err := s.GetCase(caseID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, ErrNotFound
		}
		return 0, ErrDuplicateFlag
	}
	return count, nil
}

func (s *GormStore) MarkFlagged(caseID string) error {
	res := s.db.Model(&CaseModel{}).Where("id = ?", caseID).
		Updates(map[string]any{"is_flagged": true, "visible": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AssignOnce(caseID, targetID, reportedBy string) error {
	res := s.db.Exec(
		`UPDATE case_models
		 SET is_assigned = true, owner_id = ?, reported_by = ?, updated_at = ?
		 WHERE id = ? AND is_assigned = false`,
		targetID, reportedBy, time.Now().UTC(), caseID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, ok, err := s.GetCase(caseID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return ErrAlreadyAssigned
	}
	return nil
}

// CloseOnce performs the one-time closed transition under a row lock and
// returns the case as it was before closing.
func (s *GormStore) CloseOnce(caseID string, at time.Time) (domain.Case, error) {
	var prior domain.Case
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model CaseModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", caseID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.Status == string(domain.StatusClosed) {
			return ErrAlreadyClosed
		}
		prior, err = caseFromModel(model)
		if err != nil {
			return err
		}
		return tx.Model(&CaseModel{}).Where("id = ?", caseID).Updates(map[string]any{
			"original_status": model.Status,
			"status":          string(domain.StatusClosed),
			"visible":         false,
			"updated_at":      at,
		}).Error
	})
	return prior, err
}

func (s *GormStore) AppendTimeline(caseID string, e domain.TimelineEntry) error {
	element, err := json.Marshal([]domain.TimelineEntry{e})
	if err != nil {
		return err
	}
	res := s.db.Exec(
		`UPDATE case_models
		 SET timelines = timelines || ?::jsonb, updated_at = ?
		 WHERE id = ?`,
		string(element), time.Now().UTC(), caseID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSearchSlot advances lastSearchedAt in one conditional update. Losing a
// concurrent claim reports the remaining cooldown instead of proceeding.
func (s *GormStore) ClaimSearchSlot(caseID string, now time.Time, cooldown time.Duration) (bool, time.Duration, error) {
	cutoff := now.Add(-cooldown)
	res := s.db.Exec(
		`UPDATE case_models
		 SET last_searched_at = ?, updated_at = ?
		 WHERE id = ? AND (last_searched_at IS NULL OR last_searched_at <= ?)`,
		now, now, caseID, cutoff,
	)
	if res.Error != nil {
		return false, 0, res.Error
	}
	if res.RowsAffected > 0 {
		return true, 0, nil
	}
	c, ok, err := s.GetCase(caseID)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, ErrNotFound
	}
	remaining := c.LastSearchedAt.Add(cooldown).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}

// --- embeddings ---

func (s *GormStore) PutEmbeddings(embeddings []domain.CaseEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	models := make([]CaseEmbeddingModel, 0, len(embeddings))
	for _, e := range embeddings {
		if len(e.Vector) != embeddingDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(e.Vector), embeddingDim)
		}
		models = append(models, CaseEmbeddingModel{
			ID:           e.ID,
			CaseID:       e.CaseID,
			Jurisdiction: e.Jurisdiction,
			Position:     e.Position,
			Gender:       string(e.Gender),
			Status:       string(e.Status),
			DateTs:       e.DateTs,
			Embedding:    pgvector.NewVector(e.Vector),
			CreatedAt:    time.Now().UTC(),
		})
	}
	return s.db.Create(&models).Error
}

func (s *GormStore) DeleteEmbeddings(caseID string) error {
	return s.db.Delete(&CaseEmbeddingModel{}, "case_id = ?", caseID).Error
}

func (s *GormStore) EmbeddingsByCase(caseID string) ([]domain.CaseEmbedding, error) {
	var models []CaseEmbeddingModel
	if err := s.db.Order("position asc").Find(&models, "case_id = ?", caseID).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CaseEmbedding, 0, len(models))
	for _, m := range models {
		out = append(out, domain.CaseEmbedding{
			ID:           m.ID,
			CaseID:       m.CaseID,
			Jurisdiction: m.Jurisdiction,
			Position:     m.Position,
			Gender:       domain.Gender(m.Gender),
			Status:       domain.CaseStatus(m.Status),
			DateTs:       m.DateTs,
			Vector:       m.Embedding.Slice(),
		})
	}
	return out, nil
}

// SearchEmbeddings returns candidates by cosine similarity within the filter.
func (s *GormStore) SearchEmbeddings(vector []float32, filter SearchFilter, limit int) ([]domain.MatchCandidate, error) {
	if limit <= 0 {
		return []domain.MatchCandidate{}, nil
	}
	if len(vector) != embeddingDim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vector), embeddingDim)
	}
	vec := pgvector.NewVector(vector)
	var rows []struct {
		CaseID string
		Score  float64
	}
	err := s.db.Raw(
		`SELECT case_id, 1 - (embedding <=> ?) AS score
		 FROM case_embedding_models
		 WHERE jurisdiction = ? AND status = ? AND gender = ? AND date_ts >= ? AND case_id <> ?
		 ORDER BY embedding <=> ?
		 LIMIT ?`,
		vec, filter.Jurisdiction, string(filter.Status), string(filter.Gender),
		filter.MinDateTs, filter.ExcludeCase, vec, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.MatchCandidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.MatchCandidate{CaseID: row.CaseID, Score: row.Score})
	}
	return out, nil
}

// --- counters ---

func (s *GormStore) IncrementCounter(name string) error {
	return s.db.Exec(
		`INSERT INTO counter_models (name, value) VALUES (?, 1)
		 ON CONFLICT (name) DO UPDATE SET value = counter_models.value + 1`,
		name,
	).Error
}

func (s *GormStore) CounterValue(name string) (int64, error) {
	var model CounterModel
	err := s.db.First(&model, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.Value, nil
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation code surfaced by pgx.
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		containsSQLState(err.Error(), "23505"))
}

func containsSQLState(msg, code string) bool {
	for i := 0; i+len(code) <= len(msg); i++ {
		if msg[i:i+len(code)] == code {
			return true
		}
	}
	return false
}
