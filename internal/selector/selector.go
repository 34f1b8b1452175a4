// Package selector picks the model name the tutor talks to. It walks an
// ordered list of strategies and keeps the reason every rejected step failed.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"TutorChat/internal/llm"
)

// Source tells which strategy produced a selection.
type Source string

const (
	SourceConfigured Source = "configured"
	SourceListed     Source = "listed"
	SourceProbed     Source = "probed"
	SourceFallback   Source = "fallback"
)

var ErrNoGenerateModel = errors.New("no listed model supports generateContent")

// Attempt records one rejected step.
type Attempt struct {
	Model string // empty for the listing step
	Err   error
}

func (a Attempt) String() string {
	if a.Model == "" {
		return fmt.Sprintf("list models: %v", a.Err)
	}
	return fmt.Sprintf("%s: %v", a.Model, a.Err)
}

type Selection struct {
	Model    string
	Source   Source
	Attempts []Attempt
}

// Err joins every attempt failure, or returns nil when nothing failed.
func (s Selection) Err() error {
	errs := make([]error, 0, len(s.Attempts))
	for _, a := range s.Attempts {
		errs = append(errs, errors.New(a.String()))
	}
	return errors.Join(errs...)
}

type Options struct {
	Model      string // explicit model; empty or "auto" selects at runtime
	Prefer     string // substring preferred among listed models
	Candidates []string
	Fallback   string
	ProbeText  string
	Timeout    time.Duration // bounds one selection run; defaults to 30s
}

type Selector struct {
	client llm.Client
	opts   Options
	logger *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	cached *Selection
}

func New(client llm.Client, opts Options, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProbeText == "" {
		opts.ProbeText = "Hola"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Selector{client: client, opts: opts, logger: logger}
}

// Resolve returns the cached selection or runs the strategies once, even when
// called concurrently. The shared run is detached from any one caller, so a
// caller that gives up does not fail the others.
func (s *Selector) Resolve(ctx context.Context) (Selection, error) {
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}
	s.mu.Lock()
	if s.cached != nil {
		sel := *s.cached
		s.mu.Unlock()
		return sel, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("resolve", func() (any, error) {
		s.mu.Lock()
		if s.cached != nil {
			sel := *s.cached
			s.mu.Unlock()
			return sel, nil
		}
		s.mu.Unlock()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		sel, err := s.resolve(runCtx)
		if err != nil {
			return Selection{}, err
		}
		s.mu.Lock()
		s.cached = &sel
		s.mu.Unlock()
		return sel, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Selection{}, res.Err
		}
		return res.Val.(Selection), nil
	case <-ctx.Done():
		return Selection{}, ctx.Err()
	}
}

// Invalidate drops the cached choice when it is model, so the next Resolve
// selects again. An empty model always drops it.
func (s *Selector) Invalidate(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return
	}
	if model == "" || s.cached.Model == model {
		s.logger.Info("model selection invalidated", "model", s.cached.Model)
		s.cached = nil
	}
}

func (s *Selector) resolve(ctx context.Context) (Selection, error) {
	if m := strings.TrimSpace(s.opts.Model); m != "" && m != "auto" {
		return Selection{Model: m, Source: SourceConfigured}, nil
	}

	var attempts []Attempt

	name, err := s.fromListing(ctx)
	if err == nil {
		s.logger.Info("model selected from listing", "model", name)
		return Selection{Model: name, Source: SourceListed}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Selection{}, ctxErr
	}
	attempts = append(attempts, Attempt{Err: err})

	for _, candidate := range s.opts.Candidates {
		_, err := s.client.Generate(ctx, llm.Request{Model: candidate, Prompt: s.opts.ProbeText})
		if err == nil {
			s.logger.Info("model selected by probe", "model", candidate, "rejected", len(attempts))
			return Selection{Model: candidate, Source: SourceProbed, Attempts: attempts}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Selection{}, ctxErr
		}
		s.logger.Warn("model probe failed", "model", candidate, "error", err)
		attempts = append(attempts, Attempt{Model: candidate, Err: err})
	}

	s.logger.Warn("using fallback model", "model", s.opts.Fallback, "attempts", len(attempts))
	return Selection{Model: s.opts.Fallback, Source: SourceFallback, Attempts: attempts}, nil
}

// fromListing prefers a generateContent model whose name contains Prefer,
// then any generateContent model.
func (s *Selector) fromListing(ctx context.Context) (string, error) {
	models, err := s.client.ListModels(ctx)
	if err != nil {
		return "", err
	}

	first := ""
	for _, m := range models {
		if !m.Supports(llm.ActionGenerateContent) {
			continue
		}
		if s.opts.Prefer != "" && strings.Contains(m.Name, s.opts.Prefer) {
			return m.Name, nil
		}
		if first == "" {
			first = m.Name
		}
	}
	if first == "" {
		return "", fmt.Errorf("%w (%d listed)", ErrNoGenerateModel, len(models))
	}
	return first, nil
}
