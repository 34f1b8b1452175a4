package web

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"TutorChat/internal/session"
)

// SocketRequest is one message sent by a websocket client. Session may be
// empty on the first message; Mode starts a study mode when it differs from
// the session's.
type SocketRequest struct {
	Session     string `json:"session"`
	Mode        string `json:"mode,omitempty"`
	Message     string `json:"message"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageType   string `json:"image_type,omitempty"`
}

type SocketResponse struct {
	Session string `json:"session,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
	PlotURL string `json:"plot_url,omitempty"`
	Error   string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Server) chatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxUpload * 2)

	// sessions this connection created end with it
	var owned []string
	defer func() {
		ctx := context.WithoutCancel(r.Context())
		for _, id := range owned {
			if err := s.tutor.EndSession(ctx, id); err != nil {
				s.logger.Warn("failed to end websocket session", "session_id", id, "error", err)
			}
		}
	}()

	s.logger.Info("websocket connected", "remote", r.RemoteAddr)
	for {
		var req SocketRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		resp := s.answer(r, req)
		if req.Session == "" && resp.Session != "" {
			owned = append(owned, resp.Session)
		}
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) answer(r *http.Request, req SocketRequest) SocketResponse {
	ctx := r.Context()
	fail := func(id string, err error) SocketResponse {
		s.logger.Warn("websocket interaction failed", "session_id", id, "error", err)
		return SocketResponse{Session: id, Role: "error", Error: err.Error()}
	}

	var sess *session.Session
	var err error
	if req.Session == "" {
		sess, err = s.tutor.NewSession(ctx)
	} else {
		sess, err = s.tutor.Session(ctx, req.Session)
	}
	if err != nil {
		return fail(req.Session, err)
	}

	if req.Mode != "" && req.Mode != sess.Mode {
		if sess, err = s.tutor.StartMode(ctx, sess.ID, req.Mode); err != nil {
			return fail(req.Session, err)
		}
	}

	img, err := decodeImage(req)
	if err != nil {
		return fail(sess.ID, err)
	}

	turn, err := s.tutor.Send(ctx, sess.ID, req.Message, img)
	if err != nil {
		return fail(sess.ID, err)
	}

	resp := SocketResponse{
		Session: sess.ID,
		Role:    turn.Role,
		Content: turn.Content,
		Code:    turn.Code,
		Error:   turn.PlotError,
	}
	if len(turn.Plot) > 0 {
		latest, err := s.tutor.Session(ctx, sess.ID)
		if err == nil {
			resp.PlotURL = plotURL(sess.ID, len(latest.Messages)-1)
		}
	}
	return resp
}

func decodeImage(req SocketRequest) (*session.Image, error) {
	if req.ImageBase64 == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid image_base64: %w", err)
	}
	mime := strings.ToLower(req.ImageType)
	switch mime {
	case "png", "image/png":
		mime = "image/png"
	case "jpg", "jpeg", "image/jpeg", "image/jpg":
		mime = "image/jpeg"
	default:
		return nil, errors.Join(errBadImage, fmt.Errorf("got image_type %q", req.ImageType))
	}
	return &session.Image{MIMEType: mime, Data: data}, nil
}
