// Package web serves the tutor as a single-page chat over HTTP, with a JSON
// websocket endpoint for programmatic clients.
package web

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"TutorChat/internal/curriculum"
	"TutorChat/internal/session"
	"TutorChat/internal/tutor"
)

const (
	SessionCookie    = "tutorchat_session"
	DefaultMaxUpload = 8 << 20
)

var errBadImage = errors.New("only png, jpg and jpeg images are accepted")

//go:embed templates/*.html
var templateFS embed.FS

// Server holds the HTTP handlers.
type Server struct {
	tutor     *tutor.Tutor
	logger    *slog.Logger
	page      *template.Template
	markdown  *Markdown
	maxUpload int64
}

func NewServer(t *tutor.Tutor, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	page, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	return &Server{
		tutor:     t,
		logger:    logger,
		page:      page,
		markdown:  NewMarkdown(),
		maxUpload: DefaultMaxUpload,
	}, nil
}

// Handler sets up all the routes for the application
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.index)
	mux.HandleFunc("POST /mode", s.startMode)
	mux.HandleFunc("POST /mode/change", s.changeMode)
	mux.HandleFunc("POST /topic", s.selectTopic)
	mux.HandleFunc("POST /reset", s.reset)
	mux.HandleFunc("POST /chat", s.chat)
	mux.HandleFunc("GET /plots/{session}/{index}", s.plot)
	mux.HandleFunc("GET /images/{session}/{index}", s.image)
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /ws", s.chatSocket)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// current returns the session named by the cookie, creating one when the
// cookie is missing or stale.
func (s *Server) current(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		sess, err := s.tutor.Session(r.Context(), c.Value)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}

	sess, err := s.tutor.NewSession(r.Context())
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	sess, err := s.current(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.render(w, r, sess, http.StatusOK, "")
}

func (s *Server) startMode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.current(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	started, err := s.tutor.StartMode(r.Context(), sess.ID, r.FormValue("mode"))
	if err != nil {
		s.renderError(w, r, sess, err)
		return
	}
	if mode, err := s.tutor.Catalog().Mode(started.Mode); err == nil && mode.Topics && started.Topic != "" {
		if introduced, err := s.tutor.SelectTopic(r.Context(), started.ID, started.Topic); err != nil {
			if introduced == nil {
				introduced = started
			}
			s.renderError(w, r, introduced, err)
			return
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) changeMode(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, s.tutor.ChangeMode)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, s.tutor.Reset)
}

func (s *Server) selectTopic(w http.ResponseWriter, r *http.Request) {
	topic := r.FormValue("topic")
	s.update(w, r, func(ctx context.Context, id string) (*session.Session, error) {
		return s.tutor.SelectTopic(ctx, id, topic)
	})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*session.Session, error)) {
	sess, err := s.current(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	updated, err := fn(r.Context(), sess.ID)
	if err != nil {
		if updated == nil {
			updated = sess
		}
		s.renderError(w, r, updated, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusRequestEntityTooLarge, "upload is too large")
		return
	}

	sess, err := s.current(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}

	img, err := s.upload(r)
	if err != nil {
		s.renderError(w, r, sess, err)
		return
	}

	if _, err := s.tutor.Send(r.Context(), sess.ID, r.FormValue("message"), img); err != nil {
		if latest, getErr := s.tutor.Session(r.Context(), sess.ID); getErr == nil {
			sess = latest
		}
		s.renderError(w, r, sess, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// upload reads the optional image field.
func (s *Server) upload(r *http.Request) (*session.Image, error) {
	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	defer file.Close()
	if header.Size == 0 {
		return nil, nil
	}

	mime, ok := session.ImageType(header.Filename)
	if !ok {
		return nil, errBadImage
	}
	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &session.Image{Name: header.Filename, MIMEType: mime, Data: data}, nil
}

func (s *Server) plot(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.turn(w, r)
	if !ok {
		return
	}
	if len(msg.Plot) == 0 {
		writeError(w, http.StatusNotFound, "turn has no plot")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(msg.Plot)
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.turn(w, r)
	if !ok {
		return
	}
	if msg.Image == nil {
		writeError(w, http.StatusNotFound, "turn has no image")
		return
	}
	w.Header().Set("Content-Type", msg.Image.MIMEType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(msg.Image.Data)
}

// turn looks up the message addressed by the session and index path values.
func (s *Server) turn(w http.ResponseWriter, r *http.Request) (session.Message, bool) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "invalid turn index")
		return session.Message{}, false
	}
	sess, err := s.tutor.Session(r.Context(), r.PathValue("session"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return session.Message{}, false
	}
	if idx >= len(sess.Messages) {
		writeError(w, http.StatusNotFound, "turn not found")
		return session.Message{}, false
	}
	return sess.Messages[idx], true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sel, err := s.tutor.Model(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	attempts := make([]string, 0, len(sel.Attempts))
	for _, a := range sel.Attempts {
		attempts = append(attempts, a.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "tutorchat",
		"model":    sel.Model,
		"source":   sel.Source,
		"attempts": attempts,
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	writeError(w, statusFor(err), err.Error())
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, sess *session.Session, err error) {
	s.logger.Warn("interaction failed", "session_id", sess.ID, "error", err)
	s.render(w, r, sess, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tutor.ErrNoMode),
		errors.Is(err, tutor.ErrEmptyMessage),
		errors.Is(err, tutor.ErrImageNotAllowed),
		errors.Is(err, tutor.ErrNotTopicMode),
		errors.Is(err, curriculum.ErrUnknownMode),
		errors.Is(err, curriculum.ErrUnknownTopic),
		errors.Is(err, errBadImage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
