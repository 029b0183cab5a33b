// Package store is the persistence boundary the sync core writes through.
// Element writes are targeted upserts/deletes against board_elements keyed by
// (board_id, element_id) instead of rewriting the board's whole element list;
// this narrows the lost-update window but keeps last-write-wins semantics —
// whichever write reaches the database last is what survives.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"whiteboard-backend/internal/model"
)

var ErrBoardNotFound = errors.New("board not found")

// Store persists board state through gorm.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetBoard loads the full board aggregate: metadata, ordered elements and the
// collaborator ACL (with user info for the presence/permissions payloads).
func (s *Store) GetBoard(ctx context.Context, boardID string) (*model.Board, error) {
	var board model.Board
	err := s.db.WithContext(ctx).
		Preload("Collaborators").
		Preload("Collaborators.User").
		Preload("Elements", func(db *gorm.DB) *gorm.DB {
			return db.Order("board_elements.id ASC")
		}).
		Where("id = ?", boardID).
		First(&board).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBoardNotFound
		}
		return nil, err
	}
	return &board, nil
}

// UpsertElement inserts or updates one element by its client-generated id.
// Kind is written only on insert; an update event for an existing element
// never changes its kind.
func (s *Store) UpsertElement(ctx context.Context, el *model.BoardElement) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "board_id"}, {Name: "element_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"payload":    el.Payload,
				"updated_by": el.UpdatedBy,
				"updated_at": time.Now(),
			}),
		}).
		Create(el).Error
}

// DeleteElement removes one element by id. Deleting an element that does not
// exist is a no-op, not an error.
func (s *Store) DeleteElement(ctx context.Context, boardID, elementID string) error {
	return s.db.WithContext(ctx).
		Where("board_id = ? AND element_id = ?", boardID, elementID).
		Delete(&model.BoardElement{}).Error
}

// ClearElements wipes the board's element list entirely.
func (s *Store) ClearElements(ctx context.Context, boardID string) error {
	return s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Delete(&model.BoardElement{}).Error
}

// ReplaceElements swaps the board's whole element list in one transaction.
// Used for bulk payloads that carry the full list.
func (s *Store) ReplaceElements(ctx context.Context, boardID string, elements []model.BoardElement) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("board_id = ?", boardID).Delete(&model.BoardElement{}).Error; err != nil {
			return err
		}
		if len(elements) == 0 {
			return nil
		}
		for i := range elements {
			elements[i].ID = 0
			elements[i].BoardID = boardID
		}
		return tx.Create(&elements).Error
	})
}

// TouchActivity refreshes the board's last-activity timestamp.
func (s *Store) TouchActivity(ctx context.Context, boardID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Board{}).
		Where("id = ?", boardID).
		Update("last_activity_at", time.Now()).Error
}

// IncrementViewCount bumps the board's view counter.
func (s *Store) IncrementViewCount(ctx context.Context, boardID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Board{}).
		Where("id = ?", boardID).
		Update("view_count", gorm.Expr("view_count + 1")).Error
}

// IncrementForkCount bumps the board's fork counter.
func (s *Store) IncrementForkCount(ctx context.Context, boardID string) error {
	return s.db.WithContext(ctx).
		Model(&model.Board{}).
		Where("id = ?", boardID).
		Update("fork_count", gorm.Expr("fork_count + 1")).Error
}
