package plot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Renderer evaluates code blocks and draws them.
type Renderer struct {
	Timeout time.Duration
	Samples int
	Width   vg.Length
	Height  vg.Length
}

func NewRenderer(timeout time.Duration, samples int) *Renderer {
	if samples <= 0 {
		samples = 400
	}
	return &Renderer{
		Timeout: timeout,
		Samples: samples,
		Width:   6 * vg.Inch,
		Height:  4 * vg.Inch,
	}
}

// Render evaluates code within the renderer timeout and returns SVG bytes.
func (r *Renderer) Render(ctx context.Context, code string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	fig, err := Evaluate(ctx, code, r.Samples)
	if err != nil {
		return nil, err
	}
	return r.Draw(fig)
}

// Draw renders a figure as SVG.
func (r *Renderer) Draw(fig *Figure) ([]byte, error) {
	p := gplot.New()
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.X.Min, p.X.Max = fig.XMin, fig.XMax
	p.Add(plotter.NewGrid())

	drawn := 0
	for idx, c := range fig.Curves {
		if len(c.Points) < 2 {
			continue
		}
		xys := make(plotter.XYs, len(c.Points))
		for k, pt := range c.Points {
			xys[k].X, xys[k].Y = pt[0], pt[1]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("failed to build curve %s: %w", c.Name, err)
		}
		line.LineStyle.Width = vg.Points(2)
		line.LineStyle.Color = plotutil.Color(idx)
		p.Add(line)
		p.Legend.Add(c.Name+"(x)", line)
		drawn++
	}
	if drawn == 0 {
		return nil, fmt.Errorf("%w: no finite points to draw", ErrNoCurve)
	}
	p.Legend.Top = true

	w, err := p.WriterTo(r.Width, r.Height, "svg")
	if err != nil {
		return nil, fmt.Errorf("failed to create svg canvas: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write svg: %w", err)
	}
	return buf.Bytes(), nil
}
