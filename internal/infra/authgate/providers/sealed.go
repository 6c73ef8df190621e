package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/telemetry"
)

const sealedReloadDebounce = 200 * time.Millisecond

// Sealed serves a Bundle stored as an age-encrypted YAML file. The file is
// decrypted with the server's identities and reloaded when it changes.
type Sealed struct {
	name       string
	path       string
	identities []age.Identity
	logger     *zap.Logger

	mu     sync.RWMutex
	bundle Bundle
}

// OpenSealed decrypts the bundle at path with the identities in identityFile.
func OpenSealed(name, path, identityFile string, logger *zap.Logger) (*Sealed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", identityFile, err)
	}
	s := &Sealed{
		name:       name,
		path:       path,
		identities: identities,
		logger:     logger.Named("sealed").With(zap.String("provider", name)),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealed) Name() string { return s.name }

func (s *Sealed) Verify(_ context.Context, credential string) (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle.verify(credential)
}

func (s *Sealed) FetchSecrets(_ context.Context, identity domain.Identity, scope string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bundle.secrets(identity.Subject, scope), nil
}

// Reload decrypts the file again. A failed reload keeps the previous bundle.
func (s *Sealed) Reload() error {
	ciphertext, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read sealed bundle: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identities...)
	if err != nil {
		return fmt.Errorf("decrypt sealed bundle %s: %w", s.path, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read decrypted bundle: %w", err)
	}
	var bundle Bundle
	if err := yaml.Unmarshal(plaintext, &bundle); err != nil {
		return fmt.Errorf("parse sealed bundle: %w", err)
	}
	if err := bundle.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.bundle = bundle
	s.mu.Unlock()
	s.logger.Info("sealed bundle loaded", telemetry.EventField(telemetry.EventSecretsReloaded), zap.Int("grants", len(bundle.Grants)))
	return nil
}

// Watch reloads the bundle whenever its file changes, until ctx is done.
func (s *Sealed) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	go s.runWatcher(ctx, watcher)
	return nil
}

func (s *Sealed) runWatcher(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(s.path)

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("sealed bundle watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(sealedReloadDebounce)
				continue
			}
			timer.Reset(sealedReloadDebounce)
		case <-timerChan(timer):
			timer = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("sealed bundle reload failed", zap.Error(err))
			}
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

// Seal encrypts bundle as YAML to recipients.
func Seal(dst io.Writer, bundle Bundle, recipients ...age.Recipient) error {
	plaintext, err := yaml.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	w, err := age.Encrypt(dst, recipients...)
	if err != nil {
		return fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize bundle: %w", err)
	}
	return nil
}

var _ domain.AuthProvider = (*Sealed)(nil)
