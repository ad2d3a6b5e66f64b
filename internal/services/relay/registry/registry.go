// Package registry issues pairing codes and resolves them back to the token a
// sender must present to the relay.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/skypiea/relay/internal/platform/errors"
	"github.com/skypiea/relay/internal/services/relay/storage"
)

const (
	// CodeAlphabet omits characters that are easy to confuse when read aloud.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the number of characters in an issued code.
	CodeLength = 4
	// TokenBytes is the amount of randomness behind a token.
	TokenBytes = 18

	maxCodeAttempts = 6
)

// Config holds the address advertised to senders and optional hooks.
type Config struct {
	// Address and Port are embedded in every issued record so a scanned QR
	// payload points back at this relay.
	Address string
	Port    int
	// OnIssue runs after a code is stored, with its token.
	OnIssue func(token string)
	// Random and Now are replaced in tests.
	Random io.Reader
	Now    func() time.Time
	Logger *logrus.Entry
}

// Service issues and resolves pairing codes.
type Service struct {
	store   storage.ConnectionStore
	address string
	port    int
	onIssue func(string)
	random  io.Reader
	now     func() time.Time
	log     *logrus.Entry
}

// New builds a registry service backed by store.
func New(store storage.ConnectionStore, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("connection store is required")
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		store:   store,
		address: strings.TrimSpace(cfg.Address),
		port:    cfg.Port,
		onIssue: cfg.OnIssue,
		random:  random,
		now:     now,
		log:     logger.WithField("component", "registry"),
	}, nil
}

// Issue mints a fresh code and token for a receiving host.
func (s *Service) Issue(ctx context.Context, directory string, note string) (storage.ConnectionInfo, error) {
	token, err := s.newToken()
	if err != nil {
		return storage.ConnectionInfo{}, apperrors.Wrap(apperrors.CodeUnknown, "generate token", err)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return storage.ConnectionInfo{}, apperrors.Wrap(apperrors.CodeUnknown, "generate code", err)
		}
		info := storage.ConnectionInfo{
			Token:     token,
			Code:      code,
			Address:   s.address,
			Port:      s.port,
			Directory: strings.TrimSpace(directory),
			Note:      strings.TrimSpace(note),
			CreatedAt: s.now().UTC(),
		}
		err = s.store.PutConnection(ctx, info)
		if errors.Is(err, storage.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return storage.ConnectionInfo{}, apperrors.Wrap(apperrors.CodeUnknown, "store connection", err)
		}
		if s.onIssue != nil {
			s.onIssue(token)
		}
		s.log.WithFields(logrus.Fields{"code": code, "dir": info.Directory}).Info("pairing code issued")
		return info, nil
	}
	return storage.ConnectionInfo{}, apperrors.New(apperrors.CodeExhausted, "Failed to generate code")
}

// Resolve returns the record for a human-entered code. Codes are matched
// case-insensitively.
func (s *Service) Resolve(ctx context.Context, code string) (storage.ConnectionInfo, error) {
	code = NormalizeCode(code)
	if code == "" {
		return storage.ConnectionInfo{}, apperrors.New(apperrors.CodeInvalidArgument, "missing code")
	}
	info, err := s.store.GetConnection(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ConnectionInfo{}, apperrors.Wrap(apperrors.CodeNotFound, "Code not found", err)
	}
	if err != nil {
		return storage.ConnectionInfo{}, fmt.Errorf("resolve code: %w", err)
	}
	return info, nil
}

// NormalizeCode trims and upper-cases a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) newToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) newCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = CodeAlphabet[int(b)%len(CodeAlphabet)]
	}
	return string(code), nil
}
