// Package auth provides the token the core authenticates with. The core only
// reads tokens; logging in and refreshing belong to the caller.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

type TokenProvider interface {
	// Token returns the current token or "" when logged out.
	Token() string
}

type Static string

func (s Static) Token() string { return strings.TrimSpace(string(s)) }

// Fingerprint is a short, non-reversible tag for a token, safe for logs.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// FileTokenProvider reads the token from a file written by the login flow.
type FileTokenProvider struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	token string
}

func NewFileTokenProvider(path string, logger *slog.Logger) (*FileTokenProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("token file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileTokenProvider{
		path:   filepath.Clean(path),
		logger: logger.With("component", "auth"),
	}
	if _, err := p.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return p, nil
}

func (p *FileTokenProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// reload re-reads the file and reports whether the token changed. A missing
// file means logged out.
func (p *FileTokenProvider) reload() (bool, error) {
	b, err := os.ReadFile(p.path)
	token := ""
	if err == nil {
		token = strings.TrimSpace(string(b))
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read token file: %w", err)
	}

	p.mu.Lock()
	changed := token != p.token
	p.token = token
	p.mu.Unlock()
	return changed, err
}

// Watch blocks until ctx is done, calling onChange after each change of the
// token. The parent directory is watched so that atomic renames by the writer
// are seen.
func (p *FileTokenProvider) Watch(ctx context.Context, onChange func(token string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch token dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			changed, err := p.reload()
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("token reload failed", "error", err)
				continue
			}
			if changed {
				tok := p.Token()
				p.logger.Info("token changed", "fingerprint", Fingerprint(tok))
				if onChange != nil {
					onChange(tok)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("token watch error", "error", err)
		}
	}
}
