package tutor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TutorChat/internal/cache"
	"TutorChat/internal/curriculum"
	"TutorChat/internal/llm"
	"TutorChat/internal/selector"
	"TutorChat/internal/session"
)

type fakeClient struct {
	mu       sync.Mutex
	models   []llm.ModelInfo
	replies  []string
	fail     map[string]error
	requests []llm.Request
}

func (f *fakeClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return f.models, nil
}

func (f *fakeClient) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.fail[req.Model]; err != nil {
		return llm.Response{}, err
	}
	reply := "respuesta"
	if len(f.replies) > 0 {
		reply, f.replies = f.replies[0], f.replies[1:]
	}
	return llm.Response{Text: reply, Model: req.Model, PromptTokens: 10, OutputTokens: 20}, nil
}

func (f *fakeClient) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

type fakeRenderer struct {
	err  error
	code []string
}

func (r *fakeRenderer) Render(ctx context.Context, code string) ([]byte, error) {
	r.code = append(r.code, code)
	if r.err != nil {
		return nil, r.err
	}
	return []byte("<svg></svg>"), nil
}

func gen(name string) llm.ModelInfo {
	return llm.ModelInfo{Name: name, Actions: []string{llm.ActionGenerateContent}}
}

type fixture struct {
	tutor    *Tutor
	client   *fakeClient
	renderer *fakeRenderer
	store    *session.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := &fakeClient{
		models: []llm.ModelInfo{gen("models/gemini-1.5-pro"), gen("models/gemini-1.5-flash")},
		fail:   map[string]error{},
	}
	sel := selector.New(client, selector.Options{
		Model:      "auto",
		Prefer:     "flash",
		Candidates: []string{"gemini-1.5-flash"},
		Fallback:   "gemini-1.5-flash",
	}, nil)
	renderer := &fakeRenderer{}
	store := session.NewMemoryStore()

	tu, err := New(Deps{
		Catalog:  curriculum.Default(),
		Store:    store,
		Client:   client,
		Selector: sel,
		Renderer: renderer,
		Cache:    cache.New(time.Hour),
	}, Options{
		Temperature:    0.3,
		HistoryTurns:   10,
		RequestTimeout: time.Second,
		PlotMarker:     "```go",
		Plots:          true,
	})
	require.NoError(t, err)
	return &fixture{tutor: tu, client: client, renderer: renderer, store: store}
}

func (f *fixture) session(t *testing.T, mode string) *session.Session {
	t.Helper()
	sess, err := f.tutor.NewSession(context.Background())
	require.NoError(t, err)
	if mode != "" {
		sess, err = f.tutor.StartMode(context.Background(), sess.ID, mode)
		require.NoError(t, err)
	}
	return sess
}

func TestNewSessionGreets(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "")

	require.Len(t, sess.Messages, 1)
	assert.Equal(t, session.RoleAssistant, sess.Messages[0].Role)
	assert.Equal(t, strings.TrimSpace(curriculum.Default().Greeting), sess.Messages[0].Content)
	assert.Empty(t, f.client.calls())
}

func TestSendRequiresMode(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "")

	_, err := f.tutor.Send(context.Background(), sess.ID, "hola", nil)
	assert.ErrorIs(t, err, ErrNoMode)

	_, err = f.tutor.Send(context.Background(), sess.ID, "  ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStartModeBuildsInstructions(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "training")

	first, _ := curriculum.Default().FirstTopic()
	assert.Equal(t, "training", sess.Mode)
	assert.Equal(t, first.Code, sess.Topic)
	assert.Contains(t, sess.Instructions, "Tema: "+first.Label())

	_, err := f.tutor.StartMode(context.Background(), sess.ID, "nope")
	assert.ErrorIs(t, err, curriculum.ErrUnknownMode)
}

func TestSendAssemblesPromptAndSplitsPlot(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "guided")
	f.client.replies = []string{"La oferta es creciente.\n\n```go\nfunc F(x float64) float64 { return 2 * x }\n```"}

	img := &session.Image{Name: "ej.png", MIMEType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}
	turn, err := f.tutor.Send(context.Background(), sess.ID, "Resuelve el ejercicio", img)
	require.NoError(t, err)

	assert.Equal(t, "La oferta es creciente.", turn.Content)
	assert.Equal(t, "func F(x float64) float64 { return 2 * x }", turn.Code)
	assert.Equal(t, []byte("<svg></svg>"), turn.Plot)
	assert.Empty(t, turn.PlotError)

	calls := f.client.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, "models/gemini-1.5-flash", req.Model)
	assert.True(t, strings.HasPrefix(req.Prompt, "INSTRUCCIÓN DE SISTEMA: "))
	assert.True(t, strings.HasSuffix(req.Prompt, "\n\nMENSAJE USUARIO: Resuelve el ejercicio"))
	assert.Same(t, img, req.Image)
	assert.Empty(t, req.History, "the greeting is not sent as history")
	assert.Equal(t, 0.3, req.Temperature)

	stored, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 3)
	assert.Equal(t, session.RoleUser, stored.Messages[1].Role)
	assert.NotNil(t, stored.Messages[1].Image)
	assert.Equal(t, "models/gemini-1.5-flash", stored.Model)
}

func TestSendWithoutMarkerKeepsProse(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")
	f.client.replies = []string{"Pregunta 1: ¿qué es $\\frac{dy}{dx}$?"}

	turn, err := f.tutor.Send(context.Background(), sess.ID, "empieza", nil)
	require.NoError(t, err)
	assert.Equal(t, "Pregunta 1: ¿qué es $\\frac{dy}{dx}$?", turn.Content)
	assert.Empty(t, turn.Code)
	assert.Empty(t, f.renderer.code)
}

func TestSendRejectsImageOutsideGuided(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")

	_, err := f.tutor.Send(context.Background(), sess.ID, "mira", &session.Image{MIMEType: "image/png", Data: []byte{1}})
	assert.ErrorIs(t, err, ErrImageNotAllowed)
}

func TestSendKeepsPlotErrorOnTurn(t *testing.T) {
	f := newFixture(t)
	f.renderer.err = errors.New("forbidden import: os")
	sess := f.session(t, "quiz")
	f.client.replies = []string{"Texto\n```go\nimport \"os\"\n```"}

	turn, err := f.tutor.Send(context.Background(), sess.ID, "grafica", nil)
	require.NoError(t, err)
	assert.Equal(t, "Texto", turn.Content)
	assert.Nil(t, turn.Plot)
	assert.Equal(t, "forbidden import: os", turn.PlotError)
}

func TestSendFailureInvalidatesSelection(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")
	f.client.fail["models/gemini-1.5-flash"] = errors.New("429 quota exceeded")

	_, err := f.tutor.Send(context.Background(), sess.ID, "hola", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "429 quota exceeded")

	stored, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2, "user turn stays in history")
	assert.Equal(t, "hola", stored.Messages[1].Content)

	f.client.models = []llm.ModelInfo{gen("models/gemini-1.5-pro")}
	delete(f.client.fail, "models/gemini-1.5-flash")

	turn, err := f.tutor.Send(context.Background(), sess.ID, "otra vez", nil)
	require.NoError(t, err)
	assert.Equal(t, "respuesta", turn.Content)

	calls := f.client.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "models/gemini-1.5-pro", last.Model, "selection runs again after a failure")
	require.Len(t, last.History, 1)
	assert.Equal(t, "hola", last.History[0].Content)
}

func TestSendHistoryWindow(t *testing.T) {
	f := newFixture(t)
	f.tutor.opts.HistoryTurns = 2
	sess := f.session(t, "quiz")

	for _, msg := range []string{"uno", "dos", "tres"} {
		_, err := f.tutor.Send(context.Background(), sess.ID, msg, nil)
		require.NoError(t, err)
	}

	calls := f.client.calls()
	last := calls[len(calls)-1]
	require.Len(t, last.History, 2)
	assert.Equal(t, "dos", last.History[0].Content)
	assert.Equal(t, session.RoleAssistant, last.History[1].Role)
}

func TestSelectTopicIntroducesOnceAndCaches(t *testing.T) {
	f := newFixture(t)
	catalog := curriculum.Default()
	topic, _ := catalog.FirstTopic()

	a := f.session(t, "training")
	sess, err := f.tutor.SelectTopic(context.Background(), a.ID, topic.Code)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, topic.Code, sess.LastTopic)

	calls := f.client.calls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasSuffix(calls[0].Prompt, "MENSAJE USUARIO: "+catalog.OpeningPrompt(topic)))
	assert.Empty(t, calls[0].History)

	// same topic again: nothing new
	sess, err = f.tutor.SelectTopic(context.Background(), a.ID, topic.Code)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)

	// another student, same topic: served from the cache
	b := f.session(t, "training")
	sess, err = f.tutor.SelectTopic(context.Background(), b.ID, topic.Code)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
	assert.Len(t, f.client.calls(), 1)
}

func TestSelectTopicSwitchUpdatesInstructions(t *testing.T) {
	f := newFixture(t)
	catalog := curriculum.Default()
	sess := f.session(t, "training")
	second := catalog.Topics[1]

	sess, err := f.tutor.SelectTopic(context.Background(), sess.ID, second.Code)
	require.NoError(t, err)
	assert.Equal(t, second.Code, sess.Topic)
	assert.Contains(t, sess.Instructions, "Tema: "+second.Label())

	_, err = f.tutor.SelectTopic(context.Background(), sess.ID, "9.9.9")
	assert.ErrorIs(t, err, curriculum.ErrUnknownTopic)
}

func TestSelectTopicNeedsTopicMode(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")
	topic, _ := curriculum.Default().FirstTopic()

	_, err := f.tutor.SelectTopic(context.Background(), sess.ID, topic.Code)
	assert.ErrorIs(t, err, ErrNotTopicMode)
}

func TestResetAndChangeMode(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")
	_, err := f.tutor.Send(context.Background(), sess.ID, "hola", nil)
	require.NoError(t, err)

	sess, err = f.tutor.Reset(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.Messages)
	assert.Equal(t, "quiz", sess.Mode)
	assert.NotEmpty(t, sess.Instructions)

	sess, err = f.tutor.ChangeMode(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, sess.Mode)
	assert.Empty(t, sess.Instructions)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, session.RoleAssistant, sess.Messages[0].Role)
}

func TestModelReportsSelection(t *testing.T) {
	f := newFixture(t)
	sel, err := f.tutor.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "models/gemini-1.5-flash", sel.Model)
	assert.Equal(t, selector.SourceListed, sel.Source)
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.tutor.Send(context.Background(), "missing", "hola", nil)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSendCarriesMessageLiterally(t *testing.T) {
	f := newFixture(t)
	sess := f.session(t, "quiz")

	_, err := f.tutor.Send(context.Background(), sess.ID, "  ¿y si x = 0?\n", nil)
	require.NoError(t, err)

	calls := f.client.calls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasSuffix(calls[0].Prompt, "MENSAJE USUARIO:   ¿y si x = 0?\n"))

	stored, err := f.store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "  ¿y si x = 0?\n", stored.Messages[1].Content)

	_, err = f.tutor.Send(context.Background(), sess.ID, " \n\t", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendKeepsTopicOpeningInHistory(t *testing.T) {
	f := newFixture(t)
	catalog := curriculum.Default()
	topic, _ := catalog.FirstTopic()
	sess := f.session(t, "training")
	f.client.replies = []string{"Ejercicio 1: deriva $x^2$.", "Correcto."}

	_, err := f.tutor.SelectTopic(context.Background(), sess.ID, topic.Code)
	require.NoError(t, err)
	_, err = f.tutor.Send(context.Background(), sess.ID, "2x", nil)
	require.NoError(t, err)

	calls := f.client.calls()
	require.Len(t, calls, 2)
	history := calls[1].History
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, catalog.OpeningPrompt(topic), history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "Ejercicio 1: deriva $x^2$.", history[1].Content)
}

func TestSessionLocksAreReleased(t *testing.T) {
	f := newFixture(t)

	var sessions []*session.Session
	for range 5 {
		sessions = append(sessions, f.session(t, "quiz"))
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tutor.Send(context.Background(), sess.ID, "hola", nil)
			assert.NoError(t, err)
			assert.NoError(t, f.tutor.EndSession(context.Background(), sess.ID))
		}()
	}
	wg.Wait()

	f.tutor.mu.Lock()
	assert.Empty(t, f.tutor.locks)
	f.tutor.mu.Unlock()

	ids, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
