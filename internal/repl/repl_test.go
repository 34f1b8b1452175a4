package repl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TutorChat/internal/curriculum"
	"TutorChat/internal/llm"
	"TutorChat/internal/selector"
	"TutorChat/internal/session"
	"TutorChat/internal/tutor"
)

type fakeClient struct {
	mu       sync.Mutex
	requests []llm.Request
}

func (f *fakeClient) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return []llm.ModelInfo{{Name: "models/gemini-1.5-flash", Actions: []string{llm.ActionGenerateContent}}}, nil
}

func (f *fakeClient) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return llm.Response{Text: "La **integral** vale 4.\n\n```go\nfunc F(x float64) float64 { return x }\n```", Model: req.Model}, nil
}

type svgRenderer struct{}

func (svgRenderer) Render(ctx context.Context, code string) ([]byte, error) {
	return []byte("<svg/>"), nil
}

func run(t *testing.T, input string) (string, *fakeClient, string) {
	t.Helper()
	client := &fakeClient{}
	sel := selector.New(client, selector.Options{Model: "auto", Prefer: "flash", Fallback: "gemini-1.5-flash"}, nil)
	tu, err := tutor.New(tutor.Deps{
		Catalog:  curriculum.Default(),
		Store:    session.NewMemoryStore(),
		Client:   client,
		Selector: sel,
		Renderer: svgRenderer{},
	}, tutor.Options{HistoryTurns: 10, PlotMarker: "```go", Plots: true})
	require.NoError(t, err)

	plotDir := filepath.Join(t.TempDir(), "plots")
	var out bytes.Buffer
	r, err := New(tu, strings.NewReader(input), &out, nil, Options{Style: "notty", PlotDir: plotDir})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))
	return out.String(), client, plotDir
}

func TestChatFlow(t *testing.T) {
	out, client, plotDir := run(t, "/mode quiz\nhola\n/model\n/quit\nnever sent\n")

	assert.Contains(t, out, "Soy tu tutor virtual")
	assert.Contains(t, out, "Modo: c) Autoevaluación (Quiz)")
	assert.Contains(t, out, "integral")
	assert.NotContains(t, out, "```go")
	assert.Contains(t, out, "Gráfica guardada en")
	assert.Contains(t, out, "Conectado a: models/gemini-1.5-flash (listed)")
	assert.Contains(t, out, "¡Hasta luego!")

	require.Len(t, client.requests, 1)
	assert.True(t, strings.HasSuffix(client.requests[0].Prompt, "MENSAJE USUARIO: hola"))

	files, err := os.ReadDir(plotDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestMessageBeforeModeAndUnknownCommand(t *testing.T) {
	out, client, _ := run(t, "hola\n/bogus\n/topic\n")

	assert.Contains(t, out, "Error: "+tutor.ErrNoMode.Error())
	assert.Contains(t, out, "Error: unknown command /bogus")
	assert.Contains(t, out, "Error: usage: /topic <code>")
	assert.Empty(t, client.requests)
}

func TestTrainingModeIntroducesFirstTopic(t *testing.T) {
	first, _ := curriculum.Default().FirstTopic()
	out, client, _ := run(t, "/mode training\n/topics\n")

	assert.Contains(t, out, "Tema: "+first.Label())
	require.Len(t, client.requests, 1)
	assert.Contains(t, client.requests[0].Prompt, "Tema: "+first.Label())
}

func TestImageAttachment(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "ejercicio.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0644))
	gif := filepath.Join(dir, "anim.gif")
	require.NoError(t, os.WriteFile(gif, []byte("gif"), 0644))

	out, client, _ := run(t, "/mode guided\n/image "+gif+"\n/image "+img+"\nresuelve\notra\n")

	assert.Contains(t, out, "unsupported image")
	assert.Contains(t, out, "Imagen adjunta: ejercicio.jpg")
	require.Len(t, client.requests, 2)
	require.NotNil(t, client.requests[0].Image)
	assert.Equal(t, "image/jpeg", client.requests[0].Image.MIMEType)
	assert.Nil(t, client.requests[1].Image, "the image is sent once")
}
