package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docchat/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "docchat.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Upload{}, &model.ConversationMessage{}, &model.AnswerContext{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedUpload(t *testing.T, repo *UploadRepository, owner uint, name string, status model.UploadStatus) *model.Upload {
	t.Helper()
	id := uuid.NewString()
	u := &model.Upload{
		ID:               id,
		OwnerID:          owner,
		StoredFilename:   id + "_" + name,
		OriginalFilename: name,
		Status:           status,
	}
	require.NoError(t, repo.Create(context.Background(), u))
	return u
}

func TestUploadRepositoryGetAndOwnerScope(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadRepository(newTestDB(t))
	u := seedUpload(t, repo, 1, "report.pdf", model.UploadProcessing)

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.pdf", got.OriginalFilename)

	got, err = repo.GetByIDAndOwner(ctx, u.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUploadRepositoryListAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadRepository(newTestDB(t))
	seedUpload(t, repo, 1, "Quarterly Report.pdf", model.UploadActive)
	seedUpload(t, repo, 1, "notes.pdf", model.UploadProcessing)
	seedUpload(t, repo, 1, "draft.pdf", model.UploadFailed)
	seedUpload(t, repo, 2, "other-report.pdf", model.UploadActive)

	all, err := repo.ListByOwner(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	found, err := repo.ListByOwner(ctx, 1, "REPORT")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Quarterly Report.pdf", found[0].OriginalFilename)

	stats, err := repo.Stats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStats{Count: 3, Active: 1, Processing: 1}, stats)

	empty, err := repo.Stats(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStats{}, empty)
}

func TestUploadRepositoryUpdateStatusIsGuarded(t *testing.T) {
	ctx := context.Background()
	repo := NewUploadRepository(newTestDB(t))
	u := seedUpload(t, repo, 1, "a.pdf", model.UploadProcessing)

	require.NoError(t, repo.UpdateStatus(ctx, u.ID, model.UploadProcessing, model.UploadActive))

	err := repo.UpdateStatus(ctx, u.ID, model.UploadProcessing, model.UploadFailed)
	assert.ErrorIs(t, err, ErrStatusConflict)

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.UploadActive, got.Status)

	assert.ErrorIs(t, repo.Touch(ctx, u.ID), ErrStatusConflict)
}

func TestUploadRepositoryListStale(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewUploadRepository(db)

	now := time.Now().UTC()
	old := seedUpload(t, repo, 1, "old.pdf", model.UploadProcessing)
	fresh := seedUpload(t, repo, 1, "fresh.pdf", model.UploadProcessing)
	done := seedUpload(t, repo, 1, "done.pdf", model.UploadActive)
	for id, at := range map[string]time.Time{
		old.ID:   now.Add(-2 * time.Hour),
		fresh.ID: now,
		done.ID:  now.Add(-2 * time.Hour),
	} {
		require.NoError(t, db.Model(&model.Upload{}).Where("id = ?", id).UpdateColumn("updated_at", at).Error)
	}

	stale, err := repo.ListStale(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)
}

func TestUploadRepositorySoftDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewUploadRepository(db)
	u := seedUpload(t, repo, 1, "a.pdf", model.UploadActive)

	require.NoError(t, repo.SoftDelete(ctx, u.ID, 1))

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	var raw model.Upload
	require.NoError(t, db.Unscoped().Where("id = ?", u.ID).First(&raw).Error)
	assert.True(t, raw.DeletedAt.Valid)
}

func TestConversationRepositoryAppendAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository(newTestDB(t))
	uploadID := uuid.NewString()

	_, err := repo.AppendTurn(ctx, TurnInput{
		UploadID:           uploadID,
		Question:           "What is X?",
		Answer:             "X is a letter.",
		PageNumbers:        []int{3, 1},
		StandaloneQuestion: "What is X?",
	})
	require.NoError(t, err)
	_, err = repo.AppendTurn(ctx, TurnInput{
		UploadID:           uploadID,
		Question:           "And Y?",
		Answer:             "Y follows X.",
		PageNumbers:        []int{2},
		StandaloneQuestion: "What is Y?",
	})
	require.NoError(t, err)
	_, err = repo.AppendTurn(ctx, TurnInput{UploadID: uuid.NewString(), Question: "other", Answer: "doc"})
	require.NoError(t, err)

	turns, err := repo.ListTurns(ctx, uploadID)
	require.NoError(t, err)
	require.Len(t, turns, 4)

	assert.Equal(t, model.RoleHuman, turns[0].Role)
	assert.Equal(t, "What is X?", turns[0].Message)
	assert.Nil(t, turns[0].PageNumbers)
	assert.Empty(t, turns[0].StandaloneQuestion)

	assert.Equal(t, model.RoleAI, turns[1].Role)
	assert.Equal(t, []int{3, 1}, turns[1].PageNumbers)
	assert.Equal(t, "What is X?", turns[1].StandaloneQuestion)

	assert.Equal(t, "And Y?", turns[2].Message)
	assert.Equal(t, "What is Y?", turns[3].StandaloneQuestion)
}

func TestConversationRepositoryDeleteByUpload(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewConversationRepository(db)
	keep := uuid.NewString()
	drop := uuid.NewString()

	for _, id := range []string{keep, drop} {
		_, err := repo.AppendTurn(ctx, TurnInput{UploadID: id, Question: "q", Answer: "a", PageNumbers: []int{1}})
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeleteByUpload(ctx, drop))

	turns, err := repo.ListTurns(ctx, drop)
	require.NoError(t, err)
	assert.Empty(t, turns)

	turns, err = repo.ListTurns(ctx, keep)
	require.NoError(t, err)
	assert.Len(t, turns, 2)

	var contexts int64
	require.NoError(t, db.Model(&model.AnswerContext{}).Count(&contexts).Error)
	assert.Equal(t, int64(1), contexts)
}
