package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docchat/internal/model"
)

// ConversationRepository is the durable, append-only conversation log.
type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// TurnInput is one completed question/answer exchange.
type TurnInput struct {
	UploadID           string
	Question           string
	Answer             string
	PageNumbers        []int
	StandaloneQuestion string
}

// AppendTurn writes the human message, the ai message and its answer context
// in one transaction and returns them as history entries.
func (r *ConversationRepository) AppendTurn(ctx context.Context, in TurnInput) ([]model.Turn, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	human := model.ConversationMessage{
		UploadID:  in.UploadID,
		Message:   in.Question,
		Role:      model.RoleHuman,
		CreatedAt: now,
	}
	ai := model.ConversationMessage{
		UploadID:  in.UploadID,
		Message:   in.Answer,
		Role:      model.RoleAI,
		CreatedAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&human).Error; err != nil {
			return fmt.Errorf("create human message failed: %w", err)
		}
		if err := tx.Create(&ai).Error; err != nil {
			return fmt.Errorf("create ai message failed: %w", err)
		}
		answerCtx := model.AnswerContext{
			MessageID:          ai.ID,
			StandaloneQuestion: in.StandaloneQuestion,
			CreatedAt:          now,
		}
		answerCtx.SetPages(in.PageNumbers)
		if err := tx.Create(&answerCtx).Error; err != nil {
			return fmt.Errorf("create answer context failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return []model.Turn{
		{Message: human.Message, Role: model.RoleHuman, CreatedAt: now},
		{
			Message:            ai.Message,
			Role:               model.RoleAI,
			PageNumbers:        append([]int(nil), in.PageNumbers...),
			StandaloneQuestion: in.StandaloneQuestion,
			CreatedAt:          now,
		},
	}, nil
}

type turnRow struct {
	Message            string
	Role               model.Role
	CreatedAt          time.Time
	PageNumbers        *string
	StandaloneQuestion *string
}

// ListTurns returns the conversation of an upload ordered by creation. Human
// messages have no answer context and come back with empty context fields.
func (r *ConversationRepository) ListTurns(ctx context.Context, uploadID string) ([]model.Turn, error) {
	var rows []turnRow
	err := r.db.WithContext(ctx).
		Table("conversation_messages AS m").
		Select("m.message, m.role, m.created_at, c.page_numbers, c.standalone_question").
		Joins("LEFT JOIN answer_contexts AS c ON c.message_id = m.id").
		Where("m.upload_id = ?", uploadID).
		Order("m.created_at ASC").
		Order("m.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversation failed: %w", err)
	}

	turns := make([]model.Turn, 0, len(rows))
	for _, row := range rows {
		turn := model.Turn{
			Message:   row.Message,
			Role:      row.Role,
			CreatedAt: row.CreatedAt.UTC(),
		}
		if row.PageNumbers != nil {
			turn.PageNumbers = model.DecodePages(*row.PageNumbers)
		}
		if row.StandaloneQuestion != nil {
			turn.StandaloneQuestion = *row.StandaloneQuestion
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *ConversationRepository) DeleteByUpload(ctx context.Context, uploadID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&model.ConversationMessage{}).Select("id").Where("upload_id = ?", uploadID)
		if err := tx.Where("message_id IN (?)", ids).Delete(&model.AnswerContext{}).Error; err != nil {
			return fmt.Errorf("delete answer contexts failed: %w", err)
		}
		if err := tx.Where("upload_id = ?", uploadID).Delete(&model.ConversationMessage{}).Error; err != nil {
			return fmt.Errorf("delete conversation messages failed: %w", err)
		}
		return nil
	})
}
