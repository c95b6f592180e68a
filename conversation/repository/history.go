package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ai-group-chat-demo/engine/internal/models"
)

// Cursor is an opaque backward-pagination token: the created_at and id of the
// oldest row fetched so far.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Page is one page of persisted history, oldest first
type Page struct {
	Items      []models.Message
	HasMore    bool
	NextBefore *Cursor
}

// HistoryStore is the persistence boundary: a paginated, append-mostly,
// eventually-consistent message store.
type HistoryStore interface {
	FetchPage(ctx context.Context, before *Cursor, limit int) (Page, error)
	Insert(ctx context.Context, msgs []models.Message) error
	DeleteAll(ctx context.Context) error
}

// MessageRecord is the persisted row shape
type MessageRecord struct {
	ID        string    `gorm:"primaryKey"`
	SessionID string    `gorm:"index:idx_session_created,priority:1"`
	Speaker   string
	Content   string
	Reaction  string
	ReplyToID string
	CreatedAt time.Time `gorm:"index:idx_session_created,priority:2"`
}

// TableName pins the table name
func (MessageRecord) TableName() string { return "conversation_messages" }

// GormHistoryStore persists one session's history in postgres with keyset
// pagination over (created_at, id).
type GormHistoryStore struct {
	db        *gorm.DB
	sessionID string
}

// NewGormHistoryStore creates a history store scoped to one session
func NewGormHistoryStore(db *gorm.DB, sessionID string) *GormHistoryStore {
	return &GormHistoryStore{db: db, sessionID: sessionID}
}

// Migrate creates the backing table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&MessageRecord{})
}

// FetchPage returns up to limit messages strictly older than the cursor
// (or the newest page when the cursor is nil), oldest first.
func (s *GormHistoryStore) FetchPage(ctx context.Context, before *Cursor, limit int) (Page, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", s.sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)
	if before != nil {
		q = q.Where("(created_at, id) < (?, ?)", before.CreatedAt, before.ID)
	}

	var records []MessageRecord
	if err := q.Find(&records).Error; err != nil {
		return Page{}, err
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	// records are newest-first; flip to chronological order
	items := make([]models.Message, len(records))
	for i, rec := range records {
		items[len(records)-1-i] = rec.toMessage()
	}

	page := Page{Items: items, HasMore: hasMore}
	if len(items) > 0 {
		page.NextBefore = &Cursor{CreatedAt: items[0].CreatedAt, ID: items[0].ID}
	}
	return page, nil
}

// Insert persists a batch of messages, ignoring id conflicts so retried
// writes stay idempotent.
func (s *GormHistoryStore) Insert(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]MessageRecord, len(msgs))
	for i, m := range msgs {
		records[i] = MessageRecord{
			ID:        m.ID,
			SessionID: s.sessionID,
			Speaker:   m.Speaker,
			Content:   m.Content,
			Reaction:  m.Reaction,
			ReplyToID: m.ReplyToID,
			CreatedAt: m.CreatedAt,
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
}

// DeleteAll removes every message of the session (explicit clear-timeline)
func (s *GormHistoryStore) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("session_id = ?", s.sessionID).
		Delete(&MessageRecord{}).Error
}

func (rec MessageRecord) toMessage() models.Message {
	return models.Message{
		ID:        rec.ID,
		Speaker:   rec.Speaker,
		Content:   rec.Content,
		Reaction:  rec.Reaction,
		ReplyToID: rec.ReplyToID,
		CreatedAt: rec.CreatedAt,
	}
}
