// Package tutor runs a study session: it keeps the chosen mode and topic,
// builds prompts from the curriculum, calls the model and post-processes each
// reply into prose and an optional plot.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"TutorChat/internal/cache"
	"TutorChat/internal/curriculum"
	"TutorChat/internal/fence"
	"TutorChat/internal/llm"
	"TutorChat/internal/prompt"
	"TutorChat/internal/selector"
	"TutorChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrNoMode          = errors.New("choose a study mode first")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrImageNotAllowed = errors.New("the current mode does not accept images")
	ErrNotTopicMode    = errors.New("the current mode has no topic list")
)

// Renderer turns a code block into an SVG plot.
type Renderer interface {
	Render(ctx context.Context, code string) ([]byte, error)
}

// Options tune every interaction.
type Options struct {
	Temperature    float64
	HistoryTurns   int
	RequestTimeout time.Duration
	PlotMarker     string
	Plots          bool
}

// Deps are the collaborators of a Tutor. Renderer, Cache, Logger, Tracer and
// Meter are optional.
type Deps struct {
	Catalog  *curriculum.Catalog
	Store    session.Store
	Client   llm.Client
	Selector *selector.Selector
	Renderer Renderer
	Cache    *cache.Cache
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
}

// Tutor represents the tutoring application
type Tutor struct {
	catalog  *curriculum.Catalog
	store    session.Store
	client   llm.Client
	selector *selector.Selector
	renderer Renderer
	cache    *cache.Cache
	opts     Options

	logger *slog.Logger
	tracer trace.Tracer

	duration     metric.Float64Histogram
	promptTokens metric.Int64Counter
	outputTokens metric.Int64Counter
	plots        metric.Int64Counter

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is dropped from the map once nobody holds or waits for it.
type sessionLock struct {
	sync.Mutex
	refs int
}

// New creates a Tutor.
func New(d Deps, opts Options) (*Tutor, error) {
	if d.Catalog == nil || d.Store == nil || d.Client == nil || d.Selector == nil {
		return nil, errors.New("tutor needs a catalog, a store, a client and a selector")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = tracenoop.NewTracerProvider().Tracer("tutorchat")
	}
	if d.Meter == nil {
		d.Meter = metricnoop.NewMeterProvider().Meter("tutorchat")
	}
	if opts.Plots && d.Renderer == nil {
		opts.Plots = false
	}

	t := &Tutor{
		catalog:  d.Catalog,
		store:    d.Store,
		client:   d.Client,
		selector: d.Selector,
		renderer: d.Renderer,
		cache:    d.Cache,
		opts:     opts,
		logger:   d.Logger,
		tracer:   d.Tracer,
		locks:    make(map[string]*sessionLock),
	}

	var err error
	if t.duration, err = d.Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Generate request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if t.promptTokens, err = d.Meter.Int64Counter(
		"llm.usage.prompt_tokens",
		metric.WithDescription("Tokens sent to the model"),
	); err != nil {
		return nil, fmt.Errorf("failed to create prompt token counter: %w", err)
	}
	if t.outputTokens, err = d.Meter.Int64Counter(
		"llm.usage.output_tokens",
		metric.WithDescription("Tokens generated by the model"),
	); err != nil {
		return nil, fmt.Errorf("failed to create output token counter: %w", err)
	}
	if t.plots, err = d.Meter.Int64Counter(
		"tutor.plots",
		metric.WithDescription("Plot renders by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create plot counter: %w", err)
	}
	return t, nil
}

func (t *Tutor) Catalog() *curriculum.Catalog { return t.catalog }

// lock serializes interactions on one session.
func (t *Tutor) lock(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

func (t *Tutor) greeting() session.Message {
	return session.Message{Role: session.RoleAssistant, Content: strings.TrimSpace(t.catalog.Greeting)}
}

// NewSession creates a session whose first turn is the greeting.
func (t *Tutor) NewSession(ctx context.Context) (*session.Session, error) {
	sess := session.New()
	sess.Append(t.greeting())
	if err := t.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	t.logger.Info("session created", "session_id", sess.ID)
	return sess.Clone(), nil
}

// Session returns a copy of a stored session.
func (t *Tutor) Session(ctx context.Context, id string) (*session.Session, error) {
	return t.store.Get(ctx, id)
}

// StartMode stores the chosen study mode and its instructions. Topic-driven
// modes preselect the first topic; its opening is generated by SelectTopic.
func (t *Tutor) StartMode(ctx context.Context, id, modeID string) (*session.Session, error) {
	mode, err := t.catalog.Mode(modeID)
	if err != nil {
		return nil, err
	}

	defer t.lock(id)()
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.Mode = mode.ID
	sess.Topic = ""
	var topic *curriculum.Topic
	if mode.Topics {
		if first, ok := t.catalog.FirstTopic(); ok {
			topic = &first
			sess.Topic = first.Code
		}
	}
	sess.Instructions = t.catalog.SystemContext(mode, topic, t.opts.Plots)

	if err := t.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	t.logger.Info("study mode started", "session_id", id, "mode", mode.ID, "topic", sess.Topic)
	return sess, nil
}

// ChangeMode clears the mode, its instructions and the chat, leaving only the
// greeting.
func (t *Tutor) ChangeMode(ctx context.Context, id string) (*session.Session, error) {
	defer t.lock(id)()
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess.Mode = ""
	sess.Topic = ""
	sess.Instructions = nil
	sess.Clear()
	sess.Append(t.greeting())

	if err := t.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	t.logger.Info("study mode cleared", "session_id", id)
	return sess, nil
}

// Reset clears the chat history and keeps mode, topic and instructions.
func (t *Tutor) Reset(ctx context.Context, id string) (*session.Session, error) {
	defer t.lock(id)()
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Clear()
	if err := t.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	t.logger.Info("history cleared", "session_id", id)
	return sess, nil
}

// SelectTopic records the topic and, when it differs from the last introduced
// one, appends the opening explanation. The session is returned even when
// generating the opening fails.
func (t *Tutor) SelectTopic(ctx context.Context, id, key string) (*session.Session, error) {
	topic, err := t.catalog.Topic(key)
	if err != nil {
		return nil, err
	}

	defer t.lock(id)()
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Mode == "" {
		return sess, ErrNoMode
	}
	mode, err := t.catalog.Mode(sess.Mode)
	if err != nil {
		return sess, err
	}
	if !mode.Topics {
		return sess, ErrNotTopicMode
	}

	sess.Topic = topic.Code
	sess.Instructions = t.catalog.SystemContext(mode, &topic, t.opts.Plots)
	if sess.LastTopic == topic.Code {
		return sess, t.save(ctx, sess)
	}

	text := prompt.Opening(sess.Instructions, t.catalog.OpeningPrompt(topic))
	reply, model, genErr := t.cachedGenerate(ctx, text)
	if genErr != nil {
		if err := t.save(ctx, sess); err != nil {
			genErr = errors.Join(genErr, err)
		}
		return sess, genErr
	}

	sess.Append(t.finish(ctx, reply))
	sess.LastTopic = topic.Code
	sess.Model = model
	t.logger.Info("topic introduced", "session_id", id, "topic", topic.Code, "model", model)
	return sess, t.save(ctx, sess)
}

// Send appends the user's turn, asks the model and appends the reply. On a
// remote failure the selection is dropped and the user's turn stays in the
// history.
func (t *Tutor) Send(ctx context.Context, id, text string, image *session.Image) (session.Message, error) {
	if strings.TrimSpace(text) == "" && image == nil {
		return session.Message{}, ErrEmptyMessage
	}

	defer t.lock(id)()
	sess, err := t.store.Get(ctx, id)
	if err != nil {
		return session.Message{}, err
	}
	if sess.Mode == "" {
		return session.Message{}, ErrNoMode
	}
	if image != nil {
		mode, err := t.catalog.Mode(sess.Mode)
		if err != nil {
			return session.Message{}, err
		}
		if !mode.Images {
			return session.Message{}, ErrImageNotAllowed
		}
	}

	history := t.conversation(sess)
	sess.Append(session.Message{Role: session.RoleUser, Content: text, Image: image})

	resp, err := t.generate(ctx, llm.Request{
		Prompt:      prompt.Assemble(sess.Instructions, text),
		Image:       image,
		History:     history,
		Temperature: t.opts.Temperature,
	})
	if err != nil {
		if saveErr := t.save(ctx, sess); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
		return session.Message{}, err
	}

	turn := t.finish(ctx, resp.Text)
	sess.Append(turn)
	sess.Model = resp.Model
	if err := t.save(ctx, sess); err != nil {
		return session.Message{}, err
	}
	return sess.Messages[len(sess.Messages)-1], nil
}

// EndSession deletes a session from the store.
func (t *Tutor) EndSession(ctx context.Context, id string) error {
	defer t.lock(id)()
	if err := t.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	t.logger.Info("session ended", "session_id", id)
	return nil
}

// Model returns the current selection for the status caption.
func (t *Tutor) Model(ctx context.Context) (selector.Selection, error) {
	return t.selector.Resolve(ctx)
}

func (t *Tutor) save(ctx context.Context, sess *session.Session) error {
	if err := t.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// cachedGenerate answers a history-free prompt, reusing a cached reply of the
// same model.
func (t *Tutor) cachedGenerate(ctx context.Context, text string) (string, string, error) {
	sel, err := t.selector.Resolve(ctx)
	if err != nil {
		return "", "", err
	}

	var key string
	if t.cache != nil {
		key = cache.Key(sel.Model, text)
		if hit, ok := t.cache.Get(key); ok {
			t.logger.Info("cache hit", "key", key[:16])
			return hit.Response, hit.Model, nil
		}
	}

	resp, err := t.generate(ctx, llm.Request{
		Model:       sel.Model,
		Prompt:      text,
		Temperature: t.opts.Temperature,
	})
	if err != nil {
		return "", "", err
	}
	if t.cache != nil {
		t.cache.Put(key, resp.Model, resp.Text)
		t.logger.Info("cached response", "key", key[:16])
	}
	return resp.Text, resp.Model, nil
}

// generate resolves the model when the request names none and runs the call
// in a span, recording its duration and token usage.
func (t *Tutor) generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	if req.Model == "" {
		sel, err := t.selector.Resolve(ctx)
		if err != nil {
			return llm.Response{}, err
		}
		req.Model = sel.Model
	}

	ctx, span := t.tracer.Start(ctx, "gemini_generate_content",
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", req.Model),
			attribute.Int("tutor.history_turns", len(req.History)),
			attribute.Bool("tutor.image", req.Image != nil),
		),
	)
	defer span.End()

	if t.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := t.client.Generate(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("gen_ai.request.model", req.Model),
			attribute.String("outcome", outcome),
		),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.selector.Invalidate(req.Model)
		t.logger.Error("generate failed", "model", req.Model, "error", err)
		return llm.Response{}, fmt.Errorf("model %s failed: %w", req.Model, err)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}

	t.promptTokens.Add(ctx, int64(resp.PromptTokens))
	t.outputTokens.Add(ctx, int64(resp.OutputTokens))
	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.OutputTokens),
	)
	t.logger.Info("generate succeeded", "model", resp.Model,
		"prompt_tokens", resp.PromptTokens, "output_tokens", resp.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// finish splits a reply on the plot marker and renders the code block. A plot
// failure is kept on the turn and never fails the reply.
func (t *Tutor) finish(ctx context.Context, reply string) session.Message {
	turn := session.Message{Role: session.RoleAssistant, Content: reply}
	if !t.opts.Plots {
		return turn
	}

	parts := fence.Split(reply, t.opts.PlotMarker)
	if !parts.Found {
		return turn
	}
	turn.Content = parts.Prose
	turn.Code = parts.Code
	if parts.Code == "" {
		return turn
	}

	svg, err := t.renderer.Render(ctx, parts.Code)
	if err != nil {
		turn.PlotError = err.Error()
		t.plots.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
		t.logger.Warn("plot failed", "error", err)
		return turn
	}
	turn.Plot = svg
	t.plots.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	return turn
}

// conversation is the history sent with the next request. The greeting is
// left out. A topic opening that comes before the student's first turn stays,
// behind the request that produced it, so the contents open with the user.
func (t *Tutor) conversation(sess *session.Session) []session.Message {
	history := sess.History(t.opts.HistoryTurns)
	greeting := t.greeting().Content
	for len(history) > 0 && history[0].Role == session.RoleAssistant && history[0].Content == greeting {
		history = history[1:]
	}
	if len(history) == 0 || history[0].Role == session.RoleUser {
		return history
	}

	if topic, err := t.catalog.Topic(sess.LastTopic); err == nil {
		opening := session.Message{Role: session.RoleUser, Content: t.catalog.OpeningPrompt(topic)}
		return append([]session.Message{opening}, history...)
	}
	for i, m := range history {
		if m.Role == session.RoleUser {
			return history[i:]
		}
	}
	return nil
}
