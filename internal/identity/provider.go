// Package identity supplies the bearer token attached to every delivery
// attempt.
package identity

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	apperrors "github.com/kimhsiao/courier/internal/errors"
)

// ErrUnauthenticated means there is no signed-in identity. Delivery treats
// it as a permanent failure for the attempt and makes no network call.
var ErrUnauthenticated = apperrors.New(apperrors.ErrUnauthenticated, "not authenticated")

// Provider returns the current bearer token.
//
// Token must return ErrUnauthenticated (possibly wrapped) when no identity
// exists. Any other error is treated as transient.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context) (string, error)

// Token implements Provider.
func (f Func) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token. An empty token is unauthenticated.
type Static string

// Token implements Provider.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}

// Env reads the token from an environment variable on every call.
type Env struct {
	Name string
}

// Token implements Provider.
func (e Env) Token(ctx context.Context) (string, error) {
	tok := strings.TrimSpace(os.Getenv(e.Name))
	if tok == "" {
		return "", ErrUnauthenticated
	}
	return tok, nil
}

// File reads the token from a file on every call so an external issuer can
// rotate it in place. A missing or empty file is unauthenticated.
type File struct {
	Path string
}

// Token implements Provider.
func (f File) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrTokenUnavailable, "read token file", err)
	}

	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrUnauthenticated
	}
	return tok, nil
}

// Select returns the provider for the configured sources. A token file takes
// precedence over an environment variable; with neither, every call is
// unauthenticated.
func Select(tokenFile, tokenEnv string) Provider {
	switch {
	case tokenFile != "":
		return File{Path: tokenFile}
	case tokenEnv != "":
		return Env{Name: tokenEnv}
	default:
		return Static("")
	}
}

// IsUnauthenticated reports whether err means there is no identity.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || apperrors.Is(err, apperrors.ErrUnauthenticated)
}
