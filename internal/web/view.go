package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"TutorChat/internal/curriculum"
	"TutorChat/internal/session"
)

type pageData struct {
	Title     string
	School    string
	LogoURL   string
	Welcome   template.HTML
	SessionID string
	Modes     []curriculum.Mode
	Mode      *curriculum.Mode
	Topics    []curriculum.Topic
	Topic     string
	Sections  []curriculum.Section
	Model     string
	Error     string
	Turns     []turnView
}

type turnView struct {
	Role      string
	HTML      template.HTML
	ImageURL  string
	PlotURL   string
	Code      string
	PlotError string
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, errText string) {
	catalog := s.tutor.Catalog()
	data := pageData{
		Title:     catalog.Title,
		School:    catalog.School,
		LogoURL:   catalog.LogoURL,
		SessionID: sess.ID,
		Modes:     catalog.Modes,
		Topic:     sess.Topic,
		Model:     sess.Model,
		Error:     errText,
	}
	if welcome, err := s.markdown.Render(catalog.Welcome); err == nil {
		data.Welcome = welcome
	}
	if sess.Mode != "" {
		if mode, err := catalog.Mode(sess.Mode); err == nil {
			data.Mode = &mode
			if mode.Topics {
				data.Topics = catalog.Topics
				if t, err := catalog.Topic(sess.Topic); err == nil {
					data.Sections = t.Sections
				}
			}
		}
	}
	if data.Model == "" {
		if sel, err := s.tutor.Model(r.Context()); err == nil {
			data.Model = sel.Model
		}
	}

	for i, m := range sess.Messages {
		view, err := s.view(sess.ID, i, m)
		if err != nil {
			s.logger.Error("failed to render turn", "session_id", sess.ID, "index", i, "error", err)
			view = turnView{Role: m.Role, HTML: template.HTML(template.HTMLEscapeString(m.Content))}
		}
		data.Turns = append(data.Turns, view)
	}

	var buf bytes.Buffer
	if err := s.page.Execute(&buf, data); err != nil {
		s.fail(w, fmt.Errorf("failed to render page: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) view(id string, idx int, m session.Message) (turnView, error) {
	body, err := s.markdown.Render(m.Content)
	if err != nil {
		return turnView{}, err
	}
	v := turnView{Role: m.Role, HTML: body, Code: m.Code, PlotError: m.PlotError}
	if m.Image != nil {
		v.ImageURL = fmt.Sprintf("/images/%s/%d", id, idx)
	}
	if len(m.Plot) > 0 {
		v.PlotURL = plotURL(id, idx)
	}
	return v, nil
}

func plotURL(id string, idx int) string {
	return fmt.Sprintf("/plots/%s/%d", id, idx)
}
