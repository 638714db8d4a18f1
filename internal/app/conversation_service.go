package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"docchat/internal/ai"
	"docchat/internal/model"
	"docchat/internal/pkg/tokencount"
	"docchat/internal/repository"
	"docchat/internal/stream"
	"docchat/internal/vectorindex"
)

const DefaultHistoryTokenBudget = 3000

type ChatModel interface {
	Complete(ctx context.Context, messages []ai.ChatMessage) (string, error)
	Stream(ctx context.Context, messages []ai.ChatMessage, onToken func(string) error) error
}

type Retriever interface {
	Search(ctx context.Context, query string, k int, uploadID string) ([]vectorindex.Match, error)
}

type ConversationHistory interface {
	History(ctx context.Context, uploadID string) ([]model.Turn, error)
	Append(ctx context.Context, uploadID string, turns ...model.Turn) error
}

type TurnStore interface {
	AppendTurn(ctx context.Context, in repository.TurnInput) ([]model.Turn, error)
}

type UploadLookup interface {
	GetByIDAndOwner(ctx context.Context, id string, ownerID uint) (*model.Upload, error)
}

type EventSink interface {
	Emit(e stream.Event) error
}

// ConversationService answers questions about one upload and records the
// exchange.
type ConversationService struct {
	uploads   UploadLookup
	history   ConversationHistory
	turns     TurnStore
	retriever Retriever
	chat      ChatModel
	counter   tokencount.Counter
	budget    int
	logger    *slog.Logger
}

type ConversationOption func(*ConversationService)

func WithTokenCounter(counter tokencount.Counter, budget int) ConversationOption {
	return func(s *ConversationService) {
		s.counter = counter
		s.budget = budget
	}
}

func WithConversationLogger(logger *slog.Logger) ConversationOption {
	return func(s *ConversationService) {
		s.logger = logger
	}
}

func NewConversationService(
	uploads UploadLookup,
	history ConversationHistory,
	turns TurnStore,
	retriever Retriever,
	chat ChatModel,
	opts ...ConversationOption,
) *ConversationService {
	s := &ConversationService{
		uploads:   uploads,
		history:   history,
		turns:     turns,
		retriever: retriever,
		chat:      chat,
		counter:   tokencount.EstimateCounter{},
		budget:    DefaultHistoryTokenBudget,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AskInput struct {
	OwnerID  uint
	UploadID string
	Query    string
}

type AskResult struct {
	StandaloneQuestion string
	Answer             string
	PageNumbers        []int
}

// Ask runs one question through condensation, scoped retrieval, streamed
// generation and persistence, emitting events to sink as it goes.
//
// Nothing is emitted when the returned error's BeforeStream is true. A
// failure while generating leaves the emitted tokens in place and persists
// nothing. The pageNumber event is emitted only after the turn is stored.
func (s *ConversationService) Ask(ctx context.Context, in AskInput, sink EventSink) (*AskResult, error) {
	log := s.logger.With("upload_id", in.UploadID)
	fail := func(state QueryState, err error) (*AskResult, error) {
		log.Warn("query state", "state", StateFailed, "failed_in", state, "error", err)
		return nil, &QueryError{State: state, Err: err}
	}
	enter := func(state QueryState) {
		log.Debug("query state", "state", state)
	}

	enter(StateReceived)
	if in.OwnerID == 0 || strings.TrimSpace(in.UploadID) == "" || strings.TrimSpace(in.Query) == "" {
		return fail(StateReceived, ErrInvalidInput)
	}
	upload, err := s.uploads.GetByIDAndOwner(ctx, in.UploadID, in.OwnerID)
	if err != nil {
		return fail(StateReceived, err)
	}
	if upload == nil {
		return fail(StateReceived, ErrUploadNotFound)
	}
	if upload.Status != model.UploadActive {
		return fail(StateReceived, ErrUploadNotReady)
	}
	history, err := s.history.History(ctx, in.UploadID)
	if err != nil {
		return fail(StateReceived, fmt.Errorf("load history failed: %w", err))
	}

	enter(StateCondensing)
	standalone, err := s.condense(ctx, history, in.Query)
	if err != nil {
		return fail(StateCondensing, err)
	}

	enter(StateRetrieving)
	matches, err := s.retriever.Search(ctx, standalone, vectorindex.TopK, in.UploadID)
	if err != nil {
		return fail(StateRetrieving, fmt.Errorf("retrieve chunks failed: %w", err))
	}

	enter(StateGenerating)
	if err := sink.Emit(stream.RunningQuestion(standalone)); err != nil {
		return fail(StateGenerating, err)
	}
	var answer strings.Builder
	err = s.chat.Stream(ctx, answerMessages(standalone, matches), func(token string) error {
		answer.WriteString(token)
		return sink.Emit(stream.Token(token))
	})
	if err != nil {
		return fail(StateGenerating, fmt.Errorf("generate answer failed: %w", err))
	}

	enter(StatePersisting)
	pages := CitedPages(matches)
	stored, err := s.turns.AppendTurn(ctx, repository.TurnInput{
		UploadID:           in.UploadID,
		Question:           in.Query,
		Answer:             answer.String(),
		PageNumbers:        pages,
		StandaloneQuestion: standalone,
	})
	if err != nil {
		return fail(StatePersisting, err)
	}
	if err := s.history.Append(ctx, in.UploadID, stored...); err != nil {
		log.Warn("append conversation cache failed", "error", err)
	}
	if err := sink.Emit(stream.PageNumbers(pages)); err != nil {
		log.Info("client left before citations", "error", err)
	}

	enter(StateDone)
	return &AskResult{
		StandaloneQuestion: standalone,
		Answer:             answer.String(),
		PageNumbers:        pages,
	}, nil
}

// condense skips the model call when there is no history.
func (s *ConversationService) condense(ctx context.Context, history []model.Turn, question string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	trimmed := trimHistory(history, s.counter, s.budget)
	out, err := s.chat.Complete(ctx, condenseMessages(trimmed, question))
	if err != nil {
		return "", fmt.Errorf("condense question failed: %w", err)
	}
	if out = strings.TrimSpace(out); out == "" {
		return question, nil
	}
	return out, nil
}
