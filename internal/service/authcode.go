package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/metrics"
	"github.com/pliu/chatty/internal/models"
	"github.com/pliu/chatty/internal/store"
)

// AuthCodeService issues and redeems one-time login codes bound to an
// external identity.
type AuthCodeService struct {
	store   store.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	opts    options
}

func NewAuthCodeService(st store.Store, opts ...Option) *AuthCodeService {
	o := buildOptions(opts)
	return &AuthCodeService{
		store:   st,
		logger:  o.logger.With().Str("component", "auth_codes").Logger(),
		metrics: o.metrics,
		opts:    o,
	}
}

// IssueCode creates a fresh code for externalID. A generated code that
// collides with a live code is regenerated, up to maxIssueAttempts times.
func (s *AuthCodeService) IssueCode(ctx context.Context, externalID int64, username, displayName string) (*models.AuthCode, error) {
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		now := s.opts.now()

		code, err := s.opts.generate()
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "failed to generate code", err)
		}

		ac := &models.AuthCode{
			Code:                code,
			ExternalID:          externalID,
			ExternalUsername:    username,
			ExternalDisplayName: displayName,
			CreatedAt:           now,
			ExpiresAt:           now.Add(s.opts.codeTTL),
		}
		taken, err := s.store.CreateAuthCodeIfFree(ctx, ac)
		if err != nil {
			return nil, err
		}
		if taken {
			s.metrics.CodeCollisions.Inc()
			s.logger.Debug().Int("attempt", attempt).Msg("generated code collides with a live code")
			continue
		}

		s.metrics.CodesIssued.Inc()
		s.logger.Info().Int64("external_id", externalID).Msg("login code issued")
		return ac, nil
	}

	s.logger.Warn().Int64("external_id", externalID).Msg("gave up issuing login code after repeated collisions")
	return nil, apperr.Unavailable("could not allocate a unique login code", nil)
}

// RedeemCode consumes code and returns the account of its external identity,
// creating it on first login.
func (s *AuthCodeService) RedeemCode(ctx context.Context, code string) (*models.Account, error) {
	code = strings.TrimSpace(code)
	if !validCode(code) {
		s.metrics.CodeRedemptions.WithLabelValues(string(apperr.CodeInvalidArgument)).Inc()
		return nil, apperr.InvalidArgument("login code must be 6 digits")
	}

	account, err := s.store.RedeemAuthCode(ctx, code, s.opts.now())
	if err != nil {
		s.metrics.CodeRedemptions.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}

	s.metrics.CodeRedemptions.WithLabelValues("ok").Inc()
	s.logger.Info().Str("account_id", account.ID).Int64("external_id", account.ExternalID).Msg("login code redeemed")
	return account, nil
}

// CurrentAccount refreshes last_seen_at and returns the account.
func (s *AuthCodeService) CurrentAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if err := s.store.TouchAccount(ctx, accountID, s.opts.now()); err != nil {
		return nil, err
	}
	return s.store.GetAccountByID(ctx, accountID)
}

// Touch records now as the account's last activity.
func (s *AuthCodeService) Touch(ctx context.Context, accountID string) error {
	return s.store.TouchAccount(ctx, accountID, s.opts.now())
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
