package title

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbub/wussup.chat-sub003/internal/apperr"
	"github.com/matthewbub/wussup.chat-sub003/internal/config"
	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/provider"
	"github.com/matthewbub/wussup.chat-sub003/internal/storage"
)

type fakeModel struct {
	mu     sync.Mutex
	reply  string
	err    error
	inputs [][]*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, input []*schema.Message) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeModel) Stream(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not used")
}

func useModel(t *testing.T, m provider.ChatModel) {
	t.Helper()
	orig := provider.NewChatModel
	provider.NewChatModel = func(ctx context.Context, cfg provider.Config) (provider.ChatModel, error) {
		return m, nil
	}
	t.Cleanup(func() { provider.NewChatModel = orig })
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	store, err := storage.New(db, "sqlite3", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		_, err := store.EnsureUser(ctx, u)
		require.NoError(t, err)
	}
	_, err = store.CreateSessionIfAbsent(ctx, &models.Session{ID: "s", UserID: "alice", Name: "Untitled Chat 1"})
	require.NoError(t, err)
	return store
}

func TestSanitize(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"Planning a Trip to Kyoto!"`, "Planning a Trip to Kyoto"},
		{"  Rust   vs\nGo: a comparison  ", "Rust vs Go a comparison"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"**Título** con acentos", "Título con acentos"},
		{"!!!", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Sanitize(tc.in), "input %q", tc.in)
	}
}

func TestSeed(t *testing.T) {
	assert.Equal(t, "hello", Seed(" hello ", ""))
	assert.Equal(t, "User: hi\nAssistant: hey there", Seed("hi", "hey there"))
}

func TestGenerateAndApply(t *testing.T) {
	store := openTestStore(t)
	model := &fakeModel{reply: "Weekend Hiking Plans: Mount Rainier Edition!"}
	useModel(t, model)
	gen := NewGenerator(store, provider.Config{Name: "openai"})
	var renamed []string
	gen.OnRename(func(ctx context.Context, userID, sessionID string) { renamed = append(renamed, sessionID) })

	got, err := gen.GenerateAndApply(context.Background(), "s", "Seed text", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Weekend Hiking Plans Mount Rainier Edition", got)
	assert.Equal(t, []string{"s"}, renamed)

	s, err := store.GetSession(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, got, s.Name)

	require.Len(t, model.inputs, 1)
	assert.Equal(t, schema.System, model.inputs[0][0].Role)
	assert.Equal(t, systemPrompt, model.inputs[0][0].Content)
	assert.Equal(t, "Seed text", model.inputs[0][1].Content)
}

func TestGenerateAndApplyFailures(t *testing.T) {
	store := openTestStore(t)
	gen := NewGenerator(store, provider.Config{Name: "openai"})
	ctx := context.Background()

	useModel(t, &fakeModel{reply: "???"})
	_, err := gen.GenerateAndApply(ctx, "s", "seed", "alice")
	assert.True(t, apperr.Is(err, apperr.Provider))

	useModel(t, &fakeModel{err: errors.New("error, status code: 503, message: overloaded")})
	_, err = gen.GenerateAndApply(ctx, "s", "seed", "alice")
	assert.True(t, apperr.Is(err, apperr.Provider))
	assert.True(t, apperr.IsRetryable(err))

	_, err = gen.GenerateAndApply(ctx, "s", "  ", "alice")
	assert.True(t, apperr.Is(err, apperr.Validation))

	s, _ := store.GetSession(ctx, "s")
	assert.Equal(t, "Untitled Chat 1", s.Name)
}

func TestGenerateAndApplyKeepsForeignSessionName(t *testing.T) {
	store := openTestStore(t)
	useModel(t, &fakeModel{reply: "Stolen Title"})
	gen := NewGenerator(store, provider.Config{Name: "openai"})

	_, err := gen.GenerateAndApply(context.Background(), "s", "seed", "bob")
	require.NoError(t, err)
	s, _ := store.GetSession(context.Background(), "s")
	assert.Equal(t, "Untitled Chat 1", s.Name)
	assert.Equal(t, "alice", s.UserID)
}

func TestRegenerateUsesFirstExchange(t *testing.T) {
	store := openTestStore(t)
	model := &fakeModel{reply: "Sourdough Starter Help"}
	useModel(t, model)
	gen := NewGenerator(store, provider.Config{Name: "openai"})
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, m := range []*models.Message{
		{ID: "1", Role: models.RoleUser, Content: "how do I feed a starter"},
		{ID: "2", Role: models.RoleAssistant, Content: "twice a day"},
		{ID: "3", Role: models.RoleUser, Content: "and flour?"},
	} {
		m.SessionID, m.UserID = "s", "alice"
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, err := store.InsertMessage(ctx, m)
		require.NoError(t, err)
	}

	got, err := gen.Regenerate(ctx, "s", "alice")
	require.NoError(t, err)
	assert.Equal(t, "Sourdough Starter Help", got)
	assert.Equal(t, "User: how do I feed a starter\nAssistant: twice a day", model.inputs[0][1].Content)

	_, err = gen.Regenerate(ctx, "s", "bob")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestLocalDispatcherOutlivesRequest(t *testing.T) {
	store := openTestStore(t)
	useModel(t, &fakeModel{reply: "Detached Title"})
	d := NewLocalDispatcher(NewGenerator(store, provider.Config{Name: "openai"}), time.Second)

	reqCtx, cancel := context.WithCancel(context.Background())
	errCh := d.Dispatch(reqCtx, NewJob("s", "alice", "seed"))
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("title job never reported")
	}
	s, _ := store.GetSession(context.Background(), "s")
	assert.Equal(t, "Detached Title", s.Name)
}

func TestLocalDispatcherReportsFailureOnItsChannel(t *testing.T) {
	store := openTestStore(t)
	useModel(t, &fakeModel{err: errors.New("invalid api key")})
	d := NewLocalDispatcher(NewGenerator(store, provider.Config{Name: "openai"}), time.Second)

	errCh := d.Dispatch(context.Background(), NewJob("s", "alice", "seed"))
	assert.Error(t, <-errCh)
	_, open := <-errCh
	assert.False(t, open)
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, v.(Job))
	return nil
}

func TestAMQPDispatcherAndHandler(t *testing.T) {
	store := openTestStore(t)
	useModel(t, &fakeModel{reply: "Queued Title"})
	pub := &fakePublisher{}
	d := NewAMQPDispatcher(pub)

	job := NewJob("s", "alice", "seed")
	require.NoError(t, <-d.Dispatch(context.Background(), job))
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, job, pub.jobs[0])

	body, err := json.Marshal(pub.jobs[0])
	require.NoError(t, err)
	handle := Handler(NewGenerator(store, provider.Config{Name: "openai"}))
	require.NoError(t, handle(context.Background(), body))
	s, _ := store.GetSession(context.Background(), "s")
	assert.Equal(t, "Queued Title", s.Name)

	assert.NoError(t, handle(context.Background(), []byte("{not json")))

	pub.err = errors.New("broker down")
	assert.Error(t, <-d.Dispatch(context.Background(), job))
}

func TestGuardWithoutRedisAlwaysAcquires(t *testing.T) {
	g := NewGuard(nil)
	assert.True(t, g.Acquire(context.Background(), "s"))
	assert.True(t, g.Acquire(context.Background(), "s"))
}
