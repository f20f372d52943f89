package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// Config holds auth service configuration.
type Config struct {
	// UserAgent identifies this device/client build. Together with the
	// chosen name it forms the user identity.
	UserAgent string `mapstructure:"user_agent"`

	// SessionFile is where the 30-day session token is persisted so the
	// next launch can skip login.
	SessionFile string `mapstructure:"session_file"`

	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`

	IPInfoURL   string `mapstructure:"ipinfo_url"`
	IPInfoToken string `mapstructure:"ipinfo_token"`
}

// Service resolves and creates chat users. ResolveOrCreate is idempotent per
// (name, userAgent): the same pair always yields the same user.
type Service struct {
	db        *gorm.DB
	tokens    *TokenManager
	geo       *CountryResolver
	userAgent string
	file      string
}

// NewService creates the auth service and migrates the user directory.
func NewService(db *gorm.DB, cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return nil, fmt.Errorf("%w: user agent must be configured", domain.ErrAuth)
	}
	if err := db.AutoMigrate(&domain.UserModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate user directory: %w", err)
	}

	return &Service{
		db:        db,
		tokens:    NewTokenManager(cfg.TokenSecret, cfg.TokenTTL),
		geo:       NewCountryResolver(cfg.IPInfoURL, cfg.IPInfoToken),
		userAgent: cfg.UserAgent,
		file:      cfg.SessionFile,
	}, nil
}

// ResolveOrCreate returns the user for (name, userAgent), creating it on
// first use. A failed country lookup is logged and leaves Country nil; it
// never fails the call.
func (s *Service) ResolveOrCreate(ctx context.Context, name string) (*domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", domain.ErrAuth)
	}

	l := log.Ctx(ctx)

	if user, err := s.lookup(ctx, name); err != nil {
		return nil, err
	} else if user != nil {
		l.Debug().Str(log.FieldUserID, user.ID).Str(log.FieldUserName, name).Msg("resumed existing user")
		s.persistSession(ctx, user)
		return user, nil
	}

	country, err := s.geo.Lookup(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("country lookup failed, creating user without country")
	}

	user := &domain.User{
		ID:        uuid.New().String(),
		Name:      name,
		UserAgent: s.userAgent,
		Country:   country,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(domain.UserToModel(user)).Error; err != nil {
		// Two clients with the same identity racing the unique index: the
		// loser resolves the winner's row.
		if existing, lookupErr := s.lookup(ctx, name); lookupErr == nil && existing != nil {
			s.persistSession(ctx, existing)
			return existing, nil
		}
		return nil, fmt.Errorf("%w: failed to create user: %v", domain.ErrAuth, err)
	}

	l.Info().Str(log.FieldUserID, user.ID).Str(log.FieldUserName, name).Msg("created new user")
	s.persistSession(ctx, user)
	return user, nil
}

func (s *Service) lookup(ctx context.Context, name string) (*domain.User, error) {
	var model domain.UserModel
	err := s.db.WithContext(ctx).
		First(&model, "name = ? AND user_agent = ?", name, s.userAgent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: user lookup failed: %v", domain.ErrAuth, err)
	}
	return model.ToDomain(), nil
}

// Rehydrate restores the user from the persisted session token. Returns
// (nil, nil) when there is no usable session; a stale token is cleared.
func (s *Service) Rehydrate(ctx context.Context) (*domain.User, error) {
	if s.file == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read session file: %v", domain.ErrAuth, err)
	}

	claims, err := s.tokens.Validate(strings.TrimSpace(string(raw)))
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("stored session token unusable, clearing")
		s.ClearSession()
		return nil, nil
	}

	var model domain.UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.ClearSession()
			return nil, nil
		}
		return nil, fmt.Errorf("%w: user lookup failed: %v", domain.ErrAuth, err)
	}

	return model.ToDomain(), nil
}

// ClearSession removes the persisted session token.
func (s *Service) ClearSession() error {
	if s.file == "" {
		return nil
	}
	if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to clear session: %v", domain.ErrAuth, err)
	}
	return nil
}

func (s *Service) persistSession(ctx context.Context, user *domain.User) {
	if s.file == "" {
		return
	}

	token, err := s.tokens.Generate(user.ID, user.Name)
	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(s.file), 0o700); mkErr != nil {
			err = mkErr
		} else {
			err = os.WriteFile(s.file, []byte(token), 0o600)
		}
	}
	if err != nil {
		// Worst case the user logs in again next launch.
		log.Ctx(ctx).Warn().Err(err).Msg("failed to persist session token")
	}
}
