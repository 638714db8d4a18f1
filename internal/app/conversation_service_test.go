package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/ai"
	"docchat/internal/model"
	"docchat/internal/repository"
	"docchat/internal/stream"
	"docchat/internal/vectorindex"
)

const (
	testOwner  uint = 7
	testUpload      = "11111111-1111-4111-8111-111111111111"
)

type fakeUploads struct {
	uploads map[string]*model.Upload
	err     error
}

func (f *fakeUploads) GetByIDAndOwner(_ context.Context, id string, ownerID uint) (*model.Upload, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.uploads[id]
	if !ok || u.OwnerID != ownerID {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

type fakeHistory struct {
	turns    []model.Turn
	appended []model.Turn
	err      error
}

func (f *fakeHistory) History(context.Context, string) ([]model.Turn, error) {
	return f.turns, f.err
}

func (f *fakeHistory) Append(_ context.Context, _ string, turns ...model.Turn) error {
	f.appended = append(f.appended, turns...)
	return nil
}

type fakeTurns struct {
	inputs []repository.TurnInput
	err    error
}

func (f *fakeTurns) AppendTurn(_ context.Context, in repository.TurnInput) ([]model.Turn, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	at := time.Now().UTC()
	return []model.Turn{
		{Message: in.Question, Role: model.RoleHuman, CreatedAt: at},
		{Message: in.Answer, Role: model.RoleAI, PageNumbers: in.PageNumbers, StandaloneQuestion: in.StandaloneQuestion, CreatedAt: at},
	}, nil
}

type fakeRetriever struct {
	matches []vectorindex.Match
	err     error
	queries []string
	scopes  []string
}

func (f *fakeRetriever) Search(_ context.Context, query string, _ int, uploadID string) ([]vectorindex.Match, error) {
	f.queries = append(f.queries, query)
	f.scopes = append(f.scopes, uploadID)
	return f.matches, f.err
}

type fakeChat struct {
	condensed     string
	completeErr   error
	completeCalls int
	completeMsgs  [][]ai.ChatMessage

	tokens    []string
	failAfter int
	streamErr error
}

func (f *fakeChat) Complete(_ context.Context, msgs []ai.ChatMessage) (string, error) {
	f.completeCalls++
	f.completeMsgs = append(f.completeMsgs, msgs)
	return f.condensed, f.completeErr
}

func (f *fakeChat) Stream(_ context.Context, _ []ai.ChatMessage, onToken func(string) error) error {
	for i, tok := range f.tokens {
		if f.streamErr != nil && i == f.failAfter {
			return f.streamErr
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
	if f.streamErr != nil && f.failAfter >= len(f.tokens) {
		return f.streamErr
	}
	return nil
}

type recordingSink struct {
	events []stream.Event
}

func (r *recordingSink) Emit(e stream.Event) error {
	r.events = append(r.events, e)
	return nil
}

type fixture struct {
	uploads   *fakeUploads
	history   *fakeHistory
	turns     *fakeTurns
	retriever *fakeRetriever
	chat      *fakeChat
	sink      *recordingSink
	svc       *ConversationService
}

func newFixture(opts ...ConversationOption) *fixture {
	f := &fixture{
		uploads: &fakeUploads{uploads: map[string]*model.Upload{
			testUpload: {ID: testUpload, OwnerID: testOwner, Status: model.UploadActive},
		}},
		history: &fakeHistory{},
		turns:   &fakeTurns{},
		retriever: &fakeRetriever{matches: []vectorindex.Match{
			{PageNumber: 3, Content: "c1"},
			{PageNumber: 1, Content: "c2"},
			{PageNumber: 3, Content: "c3"},
			{PageNumber: 2, Content: "c4"},
			{PageNumber: 1, Content: "c5"},
		}},
		chat: &fakeChat{tokens: []string{"The ", "answer", " is 42", "."}},
		sink: &recordingSink{},
	}
	f.svc = NewConversationService(f.uploads, f.history, f.turns, f.retriever, f.chat, opts...)
	return f
}

func (f *fixture) ask(query string) (*AskResult, error) {
	return f.svc.Ask(context.Background(), AskInput{OwnerID: testOwner, UploadID: testUpload, Query: query}, f.sink)
}

func TestAskFirstQuestion(t *testing.T) {
	f := newFixture()

	res, err := f.ask("What does the report conclude?")
	require.NoError(t, err)

	assert.Equal(t, 0, f.chat.completeCalls)
	assert.Equal(t, []string{"What does the report conclude?"}, f.retriever.queries)
	assert.Equal(t, []string{testUpload}, f.retriever.scopes)

	require.Len(t, f.sink.events, 6)
	assert.Equal(t, stream.RunningQuestion("What does the report conclude?"), f.sink.events[0])
	for i, tok := range f.chat.tokens {
		assert.Equal(t, stream.Token(tok), f.sink.events[i+1])
	}
	last := f.sink.events[5]
	assert.Equal(t, stream.EventPageNumber, last.Event)
	assert.Equal(t, []int{3, 1, 2}, last.PageNumbers)

	assert.Equal(t, "The answer is 42.", res.Answer)
	assert.Equal(t, []int{3, 1, 2}, res.PageNumbers)
	assert.Equal(t, "What does the report conclude?", res.StandaloneQuestion)
}

func TestAskTokensConcatenateToPersistedAnswer(t *testing.T) {
	f := newFixture()
	f.chat.tokens = []string{"  leading", " space ", "\n", "kept  "}

	_, err := f.ask("q")
	require.NoError(t, err)

	var joined strings.Builder
	for _, e := range f.sink.events {
		if e.Event == stream.EventToken {
			joined.WriteString(e.Token)
		}
	}
	require.Len(t, f.turns.inputs, 1)
	assert.Equal(t, joined.String(), f.turns.inputs[0].Answer)
	assert.Equal(t, "  leading space \nkept  ", f.turns.inputs[0].Answer)
	assert.Equal(t, []int{3, 1, 2}, f.turns.inputs[0].PageNumbers)
	assert.Len(t, f.history.appended, 2)
}

func TestAskCondensesWithHistory(t *testing.T) {
	f := newFixture()
	f.history.turns = []model.Turn{
		{Message: "Who wrote it?", Role: model.RoleHuman},
		{Message: "Alice.", Role: model.RoleAI},
	}
	f.chat.condensed = "  When did Alice write the report?  "

	res, err := f.ask("When?")
	require.NoError(t, err)

	require.Equal(t, 1, f.chat.completeCalls)
	prompt := f.chat.completeMsgs[0][0].Content
	assert.Contains(t, prompt, "Human: Who wrote it?\nAI: Alice.")
	assert.Contains(t, prompt, "User input: When?")

	assert.Equal(t, "When did Alice write the report?", res.StandaloneQuestion)
	assert.Equal(t, []string{"When did Alice write the report?"}, f.retriever.queries)
	assert.Equal(t, stream.RunningQuestion("When did Alice write the report?"), f.sink.events[0])
	assert.Equal(t, "When?", f.turns.inputs[0].Question)
	assert.Equal(t, "When did Alice write the report?", f.turns.inputs[0].StandaloneQuestion)
}

func TestAskEmptyCondenseFallsBackToQuery(t *testing.T) {
	f := newFixture()
	f.history.turns = []model.Turn{{Message: "hi", Role: model.RoleHuman}}
	f.chat.condensed = "   "

	res, err := f.ask("original")
	require.NoError(t, err)
	assert.Equal(t, "original", res.StandaloneQuestion)
}

type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

func TestAskTrimsHistoryToBudget(t *testing.T) {
	f := newFixture(WithTokenCounter(wordCounter{}, 4))
	f.history.turns = []model.Turn{
		{Message: "oldest question here", Role: model.RoleHuman},
		{Message: "old answer", Role: model.RoleAI},
		{Message: "newer one", Role: model.RoleHuman},
		{Message: "newest", Role: model.RoleAI},
	}
	f.chat.condensed = "standalone"

	_, err := f.ask("next")
	require.NoError(t, err)

	prompt := f.chat.completeMsgs[0][0].Content
	assert.NotContains(t, prompt, "oldest question here")
	assert.NotContains(t, prompt, "old answer")
	assert.Contains(t, prompt, "Human: newer one\nAI: newest")
}

func TestAskFailuresBeforeStreamEmitNothing(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(*fixture)
		state QueryState
		is    error
	}{
		{"condense", func(f *fixture) {
			f.history.turns = []model.Turn{{Message: "hi", Role: model.RoleHuman}}
			f.chat.completeErr = boom
		}, StateCondensing, boom},
		{"retrieve", func(f *fixture) { f.retriever.err = boom }, StateRetrieving, boom},
		{"history", func(f *fixture) { f.history.err = boom }, StateReceived, boom},
		{"lookup", func(f *fixture) { f.uploads.err = boom }, StateReceived, boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			_, err := f.ask("q")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)

			var qe *QueryError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.state, qe.State)
			assert.True(t, qe.BeforeStream())
			assert.Empty(t, f.sink.events)
			assert.Empty(t, f.turns.inputs)
		})
	}
}

func TestAskUploadChecks(t *testing.T) {
	f := newFixture()
	f.uploads.uploads["22222222-2222-4222-8222-222222222222"] = &model.Upload{
		ID: "22222222-2222-4222-8222-222222222222", OwnerID: testOwner, Status: model.UploadProcessing,
	}

	_, err := f.svc.Ask(context.Background(), AskInput{OwnerID: 99, UploadID: testUpload, Query: "q"}, f.sink)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	_, err = f.svc.Ask(context.Background(), AskInput{OwnerID: testOwner, UploadID: "22222222-2222-4222-8222-222222222222", Query: "q"}, f.sink)
	assert.ErrorIs(t, err, ErrUploadNotReady)

	_, err = f.svc.Ask(context.Background(), AskInput{OwnerID: testOwner, UploadID: testUpload, Query: "   "}, f.sink)
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.sink.events)
	assert.Empty(t, f.retriever.queries)
}

func TestAskMidStreamFailurePersistsNothing(t *testing.T) {
	f := newFixture()
	f.chat.failAfter = 2
	f.chat.streamErr = errors.New("connection reset")

	_, err := f.ask("q")
	require.Error(t, err)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, StateGenerating, qe.State)
	assert.False(t, qe.BeforeStream())

	require.Len(t, f.sink.events, 3)
	assert.Equal(t, stream.EventRunningQuestion, f.sink.events[0].Event)
	for _, e := range f.sink.events {
		assert.NotEqual(t, stream.EventPageNumber, e.Event)
	}
	assert.Empty(t, f.turns.inputs)
	assert.Empty(t, f.history.appended)
}

func TestAskPersistFailureEmitsNoCitations(t *testing.T) {
	f := newFixture()
	f.turns.err = errors.New("db down")

	_, err := f.ask("q")
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, StatePersisting, qe.State)

	for _, e := range f.sink.events {
		assert.NotEqual(t, stream.EventPageNumber, e.Event)
	}
	assert.Empty(t, f.history.appended)
}

func TestAskNoMatchesCitesNothing(t *testing.T) {
	f := newFixture()
	f.retriever.matches = nil

	res, err := f.ask("q")
	require.NoError(t, err)
	assert.Empty(t, res.PageNumbers)

	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, stream.EventPageNumber, last.Event)
	assert.Empty(t, last.PageNumbers)
}

func TestCitedPages(t *testing.T) {
	pages := CitedPages([]vectorindex.Match{
		{PageNumber: 3}, {PageNumber: 1}, {PageNumber: 3}, {PageNumber: 2}, {PageNumber: 1},
	})
	assert.Equal(t, []int{3, 1, 2}, pages)
	assert.Empty(t, CitedPages(nil))
}
