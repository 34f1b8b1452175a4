// Package plot turns a code block returned by the model into an SVG chart.
// The block is Go source run by the yaegi interpreter with only the math
// package available.
package plot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

var (
	ErrNoCurve         = errors.New("code defines no curve (expected func F(x float64) float64)")
	ErrForbiddenImport = errors.New("forbidden import")
	ErrBadRange        = errors.New("invalid plot range")
)

// curveNames are the functions looked up in the evaluated code, in order.
var curveNames = []string{"F", "G", "H"}

var allowedImports = map[string]bool{
	"math": true,
}

const (
	defaultXMin = -10.0
	defaultXMax = 10.0
)

// Curve is one sampled function.
type Curve struct {
	Name   string
	Points [][2]float64
}

// Figure is what the sandbox extracted from the code.
type Figure struct {
	XMin, XMax float64
	Curves     []Curve
}

// Evaluate interprets code and samples every defined curve at n points. The
// context bounds both interpretation and sampling.
func Evaluate(ctx context.Context, code string, n int) (*Figure, error) {
	if n < 2 {
		n = 2
	}
	if err := validateImports(code); err != nil {
		return nil, err
	}

	type result struct {
		fig *Figure
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("code panicked: %v", r)}
			}
		}()
		fig, err := evaluate(ctx, code, n)
		done <- result{fig: fig, err: err}
	}()

	select {
	case r := <-done:
		return r.fig, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("plot evaluation timed out: %w", ctx.Err())
	}
}

func evaluate(ctx context.Context, code string, n int) (*Figure, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(interp.Exports{"math/math": stdlib.Symbols["math/math"]}); err != nil {
		return nil, fmt.Errorf("failed to load math symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, wrapCode(code)+"\n"+sampler); err != nil {
		return nil, fmt.Errorf("code evaluation failed: %w", err)
	}

	fig := &Figure{
		XMin: lookupFloat(i, "XMin", defaultXMin),
		XMax: lookupFloat(i, "XMax", defaultXMax),
	}
	if !(fig.XMax > fig.XMin) || math.IsInf(fig.XMin, 0) || math.IsInf(fig.XMax, 0) {
		return nil, fmt.Errorf("%w: [%g, %g]", ErrBadRange, fig.XMin, fig.XMax)
	}

	for _, name := range curveNames {
		v, err := i.Eval("main." + name)
		if err != nil {
			continue
		}
		if _, ok := v.Interface().(func(float64) float64); !ok {
			return nil, fmt.Errorf("%s has incorrect signature (expected: func(float64) float64)", name)
		}
		points, err := sample(ctx, i, name, fig.XMin, fig.XMax, n)
		if err != nil {
			return nil, err
		}
		fig.Curves = append(fig.Curves, Curve{Name: name, Points: points})
	}
	if len(fig.Curves) == 0 {
		return nil, ErrNoCurve
	}
	return fig, nil
}

// sampler is declared in the interpreted package so curve calls run as
// interpreted code and stop when the context is done.
const sampler = `
func tutorchatSample(f func(float64) float64, xmin, xmax float64, n int) []float64 {
	ys := make([]float64, n)
	step := (xmax - xmin) / float64(n-1)
	for k := 0; k < n; k++ {
		ys[k] = f(xmin + float64(k)*step)
	}
	return ys
}
`

// sample evaluates the curve on n evenly spaced points, dropping non-finite
// values.
func sample(ctx context.Context, i *interp.Interpreter, name string, xmin, xmax float64, n int) ([][2]float64, error) {
	call := fmt.Sprintf("main.tutorchatSample(main.%s, %s, %s, %d)", name,
		strconv.FormatFloat(xmin, 'g', -1, 64), strconv.FormatFloat(xmax, 'g', -1, 64), n)
	v, err := i.EvalWithContext(ctx, call)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("sampling %s failed: %w", name, err)
	}
	ys, ok := v.Interface().([]float64)
	if !ok {
		return nil, fmt.Errorf("sampling %s returned %s", name, v.Type())
	}

	step := (xmax - xmin) / float64(n-1)
	points := make([][2]float64, 0, n)
	for k, y := range ys {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		points = append(points, [2]float64{xmin + float64(k)*step, y})
	}
	return points, nil
}

func lookupFloat(i *interp.Interpreter, name string, def float64) float64 {
	v, err := i.Eval("main." + name)
	if err != nil || !v.IsValid() {
		return def
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	}
	return def
}

// validateImports rejects every import but the allowed ones, so the error
// names the package instead of an interpreter lookup failure.
func validateImports(code string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			imports = append(imports, importPath(trimmed))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, importPath(strings.TrimPrefix(trimmed, "import ")))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !allowedImports[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %s (only math is available)", ErrForbiddenImport, strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath strips an optional alias and the quotes from an import spec.
func importPath(spec string) string {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], `"`)
}

func wrapCode(code string) string {
	if strings.Contains(code, "package main") {
		return code
	}
	return "package main\n\n" + code
}
