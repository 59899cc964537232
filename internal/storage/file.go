package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const fileKeyInfo = "facility-portal/session-store"

// ErrSecretRequired is returned by NewFile when no secret is given.
var ErrSecretRequired = errors.New("storage: file store secret is required")

// File persists values in one JSON document on disk. Each value is
// sealed with XChaCha20-Poly1305 under a key derived from the secret,
// and bound to its key name so values cannot be swapped between keys.
type File struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// NewFile opens (or lazily creates) the document at path.
func NewFile(path, secret string) (*File, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(fileKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive file key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{path: path, aead: aead}, nil
}

func (f *File) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return "", err
	}
	sealed, ok := doc[key]
	if !ok {
		return "", ErrNotFound
	}
	return f.open(key, sealed)
}

func (f *File) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	sealed, err := f.seal(key, value)
	if err != nil {
		return err
	}
	doc[key] = sealed
	return f.save(doc)
}

func (f *File) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := doc[k]; ok {
			delete(doc, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.save(doc)
}

func (f *File) load() (map[string]string, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	doc := map[string]string{}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	return doc, nil
}

// save writes through a temp file and rename so readers never see a
// half-written document.
func (f *File) save(doc map[string]string) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	return nil
}

func (f *File) seal(key, value string) (string, error) {
	nonce := make([]byte, f.aead.NonceSize(), f.aead.NonceSize()+len(value)+f.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := f.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (f *File) open(key, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	ns := f.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("decode %s: value too short", key)
	}
	plain, err := f.aead.Open(nil, raw[:ns], raw[ns:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	return string(plain), nil
}
