// Package secrets resolves the API key from the process environment, a dotenv
// file or a streamlit-style secrets.toml, in that order.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// ErrNotFound is returned when no source holds the requested key.
var ErrNotFound = errors.New("secret not found")

// Source looks up a single secret.
type Source interface {
	Lookup(ctx context.Context, key string) (string, error)
	Name() string
}

// Env reads secrets from the process environment.
type Env struct{}

func (Env) Name() string { return "environment" }

func (Env) Lookup(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s not set: %w", key, ErrNotFound)
	}
	return value, nil
}

// DotEnv reads secrets from a dotenv file without touching the environment.
type DotEnv struct {
	Path string
}

func (d DotEnv) Name() string { return "dotenv " + d.Path }

func (d DotEnv) Lookup(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	values, err := godotenv.Read(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("dotenv file %q missing: %w", d.Path, ErrNotFound)
		}
		return "", fmt.Errorf("read dotenv file %q: %w", d.Path, err)
	}
	value, ok := values[key]
	if !ok || value == "" {
		return "", fmt.Errorf("%s not in %q: %w", key, d.Path, ErrNotFound)
	}
	return value, nil
}

// TOMLFile reads top-level string keys from a TOML secrets file.
type TOMLFile struct {
	Path string
}

func (f TOMLFile) Name() string { return "secrets file " + f.Path }

func (f TOMLFile) Lookup(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("secrets file %q missing: %w", f.Path, ErrNotFound)
		}
		return "", fmt.Errorf("read secrets file %q: %w", f.Path, err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse secrets file %q: %w", f.Path, err)
	}
	value, ok := doc[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%s not in %q: %w", key, f.Path, ErrNotFound)
	}
	return value, nil
}

// Chain tries each source in order and returns the first hit.
type Chain struct {
	sources []Source
}

func NewChain(sources ...Source) *Chain {
	return &Chain{sources: sources}
}

// Default builds the env -> dotenv -> toml chain.
func Default(envFile, secretsFile string) *Chain {
	sources := []Source{Env{}}
	if envFile != "" {
		sources = append(sources, DotEnv{Path: envFile})
	}
	if secretsFile != "" {
		sources = append(sources, TOMLFile{Path: secretsFile})
	}
	return NewChain(sources...)
}

func (c *Chain) Lookup(ctx context.Context, key string) (string, error) {
	var errs []error
	for _, src := range c.sources {
		value, err := src.Lookup(ctx, key)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%s: no secret sources configured: %w", key, ErrNotFound)
	}
	return "", errors.Join(errs...)
}
