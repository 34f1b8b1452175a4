// Package repl is the terminal front end of the tutor.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"TutorChat/internal/session"
	"TutorChat/internal/tutor"
)

var errQuit = errors.New("quit")

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Options configure the terminal session.
type Options struct {
	Style    string // glamour style; empty picks one from the terminal
	Width    int
	PlotDir  string // where plot SVGs are written
	MaxImage int64
}

// REPL represents the interactive terminal chat
type REPL struct {
	tutor    *tutor.Tutor
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger
	renderer *glamour.TermRenderer
	opts     Options

	sessionID string
	image     *session.Image
}

func New(t *tutor.Tutor, in io.Reader, out io.Writer, logger *slog.Logger, opts Options) (*REPL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Width <= 0 {
		opts.Width = 80
	}
	if opts.PlotDir == "" {
		opts.PlotDir = "plots"
	}
	if opts.MaxImage <= 0 {
		opts.MaxImage = 8 << 20
	}

	style := glamour.WithAutoStyle()
	if opts.Style != "" {
		style = glamour.WithStylePath(opts.Style)
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width))
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}

	return &REPL{
		tutor:    t,
		in:       in,
		out:      out,
		logger:   logger,
		renderer: renderer,
		opts:     opts,
	}, nil
}

// Run starts the chat loop and returns when input ends or /quit is typed.
func (r *REPL) Run(ctx context.Context) error {
	sess, err := r.tutor.NewSession(ctx)
	if err != nil {
		return err
	}
	r.sessionID = sess.ID

	catalog := r.tutor.Catalog()
	fmt.Fprintf(r.out, "=== %s ===\n", catalog.Title)
	fmt.Fprintf(r.out, "Session: %s\n", sess.ID)
	fmt.Fprintln(r.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(r.out)
	for _, m := range sess.Messages {
		r.print(m)
	}
	r.listModes()

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, labelStyle.Render("Tú:")+" ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			err := r.handleCommand(ctx, input)
			if errors.Is(err, errQuit) {
				break
			}
			if err != nil {
				r.fail(err)
				r.logger.Error("command error", "error", err)
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			r.fail(err)
			r.logger.Error("failed to send message", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	fmt.Fprintln(r.out, "¡Hasta luego!")
	return nil
}

func (r *REPL) fail(err error) {
	fmt.Fprintln(r.out, errorStyle.Render("Error: "+err.Error()))
}

func (r *REPL) send(ctx context.Context, text string) error {
	turn, err := r.tutor.Send(ctx, r.sessionID, text, r.image)
	if err != nil {
		return err
	}
	r.image = nil
	r.print(turn)
	return nil
}

// handleCommand handles slash commands
func (r *REPL) handleCommand(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	catalog := r.tutor.Catalog()

	switch parts[0] {
	case "/quit", "/exit":
		return errQuit

	case "/help":
		fmt.Fprintln(r.out, "Available commands:")
		fmt.Fprintln(r.out, "  /mode <id>      - Start a study mode")
		fmt.Fprintln(r.out, "  /mode           - Leave the current mode")
		fmt.Fprintln(r.out, "  /topics         - List the course topics")
		fmt.Fprintln(r.out, "  /topic <code>   - Study a topic (training mode)")
		fmt.Fprintln(r.out, "  /image <path>   - Attach a png/jpg to the next message")
		fmt.Fprintln(r.out, "  /reset          - Clear the chat history")
		fmt.Fprintln(r.out, "  /model          - Show the selected model")
		fmt.Fprintln(r.out, "  /quit           - Exit")
		return nil

	case "/mode":
		if len(parts) < 2 {
			if _, err := r.tutor.ChangeMode(ctx, r.sessionID); err != nil {
				return err
			}
			r.listModes()
			return nil
		}
		sess, err := r.tutor.StartMode(ctx, r.sessionID, parts[1])
		if err != nil {
			return err
		}
		mode, _ := catalog.Mode(sess.Mode)
		fmt.Fprintf(r.out, "Modo: %s\n", mode.Label)
		if mode.Notice != "" {
			fmt.Fprintln(r.out, mode.Notice)
		}
		if mode.Topics && sess.Topic != "" {
			return r.topic(ctx, sess.Topic)
		}
		return nil

	case "/topics":
		for _, t := range catalog.Topics {
			fmt.Fprintf(r.out, "  %s\n", t.Label())
		}
		return nil

	case "/topic":
		if len(parts) < 2 {
			return errors.New("usage: /topic <code>")
		}
		return r.topic(ctx, parts[1])

	case "/image":
		if len(parts) < 2 {
			return errors.New("usage: /image <path>")
		}
		img, err := r.loadImage(strings.Join(parts[1:], " "))
		if err != nil {
			return err
		}
		r.image = img
		fmt.Fprintf(r.out, "Imagen adjunta: %s\n", img.Name)
		return nil

	case "/reset":
		if _, err := r.tutor.Reset(ctx, r.sessionID); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Historial borrado.")
		return nil

	case "/model":
		sel, err := r.tutor.Model(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Conectado a: %s (%s)\n", sel.Model, sel.Source)
		for _, a := range sel.Attempts {
			fmt.Fprintf(r.out, "  rejected %s\n", a)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

func (r *REPL) topic(ctx context.Context, key string) error {
	before, err := r.tutor.Session(ctx, r.sessionID)
	if err != nil {
		return err
	}
	sess, err := r.tutor.SelectTopic(ctx, r.sessionID, key)
	if err != nil {
		return err
	}
	if t, err := r.tutor.Catalog().Topic(sess.Topic); err == nil {
		fmt.Fprintf(r.out, "Tema: %s\n", t.Label())
	}
	for _, m := range sess.Messages[min(len(before.Messages), len(sess.Messages)):] {
		r.print(m)
	}
	return nil
}

func (r *REPL) listModes() {
	fmt.Fprintln(r.out, "¿Cómo quieres estudiar hoy?")
	for _, m := range r.tutor.Catalog().Modes {
		fmt.Fprintf(r.out, "  /mode %-9s %s\n", m.ID, m.Label)
	}
}

func (r *REPL) loadImage(path string) (*session.Image, error) {
	mime, ok := session.ImageType(path)
	if !ok {
		return nil, fmt.Errorf("unsupported image %s: use png, jpg or jpeg", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if info.Size() > r.opts.MaxImage {
		return nil, fmt.Errorf("image %s is larger than %d bytes", path, r.opts.MaxImage)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &session.Image{Name: filepath.Base(path), MIMEType: mime, Data: data}, nil
}

// print renders an assistant turn as markdown and saves its plot, if any.
func (r *REPL) print(m session.Message) {
	if m.Role != session.RoleAssistant {
		return
	}
	out, err := r.renderer.Render(m.Content)
	if err != nil {
		out = m.Content + "\n"
	}
	fmt.Fprintf(r.out, "%s\n%s", labelStyle.Render("Tutor:"), out)

	if len(m.Plot) > 0 {
		path, err := r.savePlot(m.Plot)
		if err != nil {
			r.logger.Warn("failed to save plot", "error", err)
		} else {
			fmt.Fprintf(r.out, "Gráfica guardada en %s\n", path)
		}
	}
	if m.PlotError != "" {
		fmt.Fprintln(r.out, hintStyle.Render("No se pudo generar la gráfica: "+m.PlotError))
	}
	fmt.Fprintln(r.out)
}

func (r *REPL) savePlot(svg []byte) (string, error) {
	if err := os.MkdirAll(r.opts.PlotDir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(r.opts.PlotDir, "plot-*.svg")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(svg); err != nil {
		return "", err
	}
	return f.Name(), nil
}
