package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docchat/internal/model"
	"docchat/internal/repository"
)

const uploadID = "55555555-5555-4555-8555-555555555555"

type countingSource struct {
	turns []model.Turn
	err   error
	calls int
}

func (s *countingSource) ListTurns(context.Context, string) ([]model.Turn, error) {
	s.calls++
	return s.turns, s.err
}

func newRedis(t *testing.T) (*redisv9.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func sampleTurns() []model.Turn {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return []model.Turn{
		{Message: "What is X?", Role: model.RoleHuman, CreatedAt: at},
		{Message: "X is a letter.", Role: model.RoleAI, PageNumbers: []int{3, 1}, StandaloneQuestion: "What is X?", CreatedAt: at},
	}
}

func TestHistoryReadThrough(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	src := &countingSource{turns: sampleTurns()}
	c := NewConversationCache(client, src, 300*time.Second, nil)

	first, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, sampleTurns(), first)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 300*time.Second, mr.TTL("conversation:"+uploadID))

	second, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
}

func TestHistoryEmptyIsNotCached(t *testing.T) {
	client, mr := newRedis(t)
	src := &countingSource{}
	c := NewConversationCache(client, src, time.Minute, nil)

	turns, err := c.History(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.False(t, mr.Exists("conversation:"+uploadID))
}

func TestHistoryFallsBackWhenRedisIsDown(t *testing.T) {
	client, mr := newRedis(t)
	src := &countingSource{turns: sampleTurns()}
	c := NewConversationCache(client, src, time.Minute, nil)
	mr.Close()

	turns, err := c.History(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, sampleTurns(), turns)
}

func TestHistorySourceError(t *testing.T) {
	client, _ := newRedis(t)
	c := NewConversationCache(client, &countingSource{err: errors.New("db down")}, time.Minute, nil)

	_, err := c.History(context.Background(), uploadID)
	assert.ErrorContains(t, err, "db down")
}

func TestHistoryCorruptEntryRehydrates(t *testing.T) {
	client, mr := newRedis(t)
	src := &countingSource{turns: sampleTurns()}
	c := NewConversationCache(client, src, time.Minute, nil)
	_, err := mr.Push("conversation:"+uploadID, "{not json")
	require.NoError(t, err)

	turns, err := c.History(context.Background(), uploadID)
	require.NoError(t, err)
	assert.Equal(t, sampleTurns(), turns)
	assert.Equal(t, 1, src.calls)
}

func TestAppendRenewsTTLOnlyWhenCached(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	src := &countingSource{turns: sampleTurns()[:1]}
	c := NewConversationCache(client, src, 300*time.Second, nil)
	key := "conversation:" + uploadID

	require.NoError(t, c.Append(ctx, uploadID, sampleTurns()[1]))
	assert.False(t, mr.Exists(key))

	_, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	mr.FastForward(200 * time.Second)

	require.NoError(t, c.Append(ctx, uploadID, sampleTurns()[1]))
	assert.Equal(t, 300*time.Second, mr.TTL(key))

	turns, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, sampleTurns(), turns)
	assert.Equal(t, 1, src.calls)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	client, mr := newRedis(t)
	c := NewConversationCache(client, &countingSource{turns: sampleTurns()}, time.Minute, nil)

	_, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, uploadID))
	assert.False(t, mr.Exists("conversation:"+uploadID))
}

type flatTurn struct {
	Message            string
	Role               model.Role
	PageNumbers        []int
	StandaloneQuestion string
	CreatedAtMillis    int64
}

func flatten(turns []model.Turn) []flatTurn {
	out := make([]flatTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, flatTurn{t.Message, t.Role, t.PageNumbers, t.StandaloneQuestion, t.CreatedAt.UnixMilli()})
	}
	return out
}

func TestCacheTransparencyAgainstDurableStore(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "conv.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.ConversationMessage{}, &model.AnswerContext{}))
	repo := repository.NewConversationRepository(db)

	for _, q := range []string{"first?", "second?", "third?"} {
		_, err := repo.AppendTurn(ctx, repository.TurnInput{
			UploadID: uploadID, Question: q, Answer: "answer to " + q, PageNumbers: []int{2, 1}, StandaloneQuestion: q,
		})
		require.NoError(t, err)
	}

	client, _ := newRedis(t)
	c := NewConversationCache(client, repo, time.Minute, nil)

	cold, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	warm, err := c.History(ctx, uploadID)
	require.NoError(t, err)
	durable, err := repo.ListTurns(ctx, uploadID)
	require.NoError(t, err)

	require.Len(t, cold, 6)
	assert.Equal(t, flatten(durable), flatten(cold))
	assert.Equal(t, flatten(cold), flatten(warm))

	added, err := repo.AppendTurn(ctx, repository.TurnInput{UploadID: uploadID, Question: "fourth?", Answer: "four"})
	require.NoError(t, err)
	require.NoError(t, c.Append(ctx, uploadID, added...))

	warm, err = c.History(ctx, uploadID)
	require.NoError(t, err)
	durable, err = repo.ListTurns(ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, flatten(durable), flatten(warm))
}
