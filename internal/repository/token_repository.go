package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault/internal/apperr"
	"github.com/vipul43/mailvault/internal/crypto"
	"github.com/vipul43/mailvault/internal/models"
)

var ErrTokenNotFound = errors.New("token not found")

// refreshWindow is how close to expiry a token counts as needing refresh.
const refreshWindow = 5 * time.Minute

// TokenRepository persists OAuth credentials. Token material is sealed with
// an authenticated cipher before it reaches the database and opened after it
// leaves; callers only ever see plaintext.
type TokenRepository struct {
	db       *gorm.DB
	cipher   *crypto.Cipher
	oauthCfg *oauth2.Config
	logger   *logrus.Logger
}

func NewTokenRepository(db *gorm.DB, cipher *crypto.Cipher, clientID, clientSecret, tokenURL string, logger *logrus.Logger) *TokenRepository {
	return &TokenRepository{
		db:     db,
		cipher: cipher,
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		logger: logger,
	}
}

// Put upserts the token row for the account, sealing both token values.
func (r *TokenRepository) Put(ctx context.Context, token *models.OAuthToken) error {
	sealed, err := r.seal(token)
	if err != nil {
		return err
	}
	if sealed.ID == "" {
		sealed.ID = uuid.New().String()
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token", "refresh_token", "token_type", "expires_at", "scope", "updated_at",
		}),
	}).Create(sealed)
	if result.Error != nil {
		return storeError("failed to store token", result.Error)
	}
	return nil
}

// Get returns the decrypted token for the account, or ErrTokenNotFound.
func (r *TokenRepository) Get(ctx context.Context, accountID string) (*models.OAuthToken, error) {
	var token models.OAuthToken
	result := r.db.WithContext(ctx).First(&token, "account_id = ?", accountID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, storeError("failed to get token", result.Error)
	}
	return r.open(&token)
}

// Delete removes the token row. Deleting an absent row is not an error.
func (r *TokenRepository) Delete(ctx context.Context, accountID string) error {
	result := r.db.WithContext(ctx).Where("account_id = ?", accountID).Delete(&models.OAuthToken{})
	if result.Error != nil {
		return storeError("failed to delete token", result.Error)
	}
	return nil
}

// NeedsRefresh reports whether the token expires within the refresh window.
func (r *TokenRepository) NeedsRefresh(token *models.OAuthToken) bool {
	if token.ExpiresAt == nil {
		return true // no expiry recorded, assume stale
	}
	return !time.Now().Add(refreshWindow).Before(*token.ExpiresAt)
}

// Refresh exchanges the stored refresh token with the provider and replaces
// the row atomically. A failed exchange leaves the previous row intact.
func (r *TokenRepository) Refresh(ctx context.Context, accountID string) (*models.OAuthToken, error) {
	current, err := r.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, apperr.New(apperr.KindAuthFailure, "no token stored for account")
		}
		return nil, err
	}
	if current.RefreshToken == nil || *current.RefreshToken == "" {
		return nil, apperr.New(apperr.KindAuthFailure, "no refresh token available")
	}
	if r.oauthCfg.ClientID == "" || r.oauthCfg.Endpoint.TokenURL == "" {
		return nil, apperr.New(apperr.KindConfig, "OAuth client credentials not configured")
	}

	tokenSource := r.oauthCfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: *current.RefreshToken,
	})
	fresh, err := tokenSource.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, apperr.Wrap(apperr.KindUnauthorized, "token refresh rejected", err)
		}
		return nil, apperr.Wrap(apperr.KindNetwork, "token refresh failed", err)
	}

	refreshToken := *current.RefreshToken
	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		refreshToken = fresh.RefreshToken // provider rotated it
	}

	expiresAt := fresh.Expiry
	updated := &models.OAuthToken{
		ID:           current.ID,
		AccountID:    accountID,
		AccessToken:  fresh.AccessToken,
		RefreshToken: &refreshToken,
		TokenType:    current.TokenType,
		ExpiresAt:    &expiresAt,
		Scope:        current.Scope,
	}
	if fresh.TokenType != "" {
		updated.TokenType = fresh.TokenType
	}

	if err := r.Put(ctx, updated); err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"expires_at": expiresAt,
	}).Info("token refreshed")

	return updated, nil
}

// seal returns a copy with token values encrypted.
func (r *TokenRepository) seal(token *models.OAuthToken) (*models.OAuthToken, error) {
	sealed := *token

	encrypted, err := r.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	sealed.AccessToken = encrypted

	if token.RefreshToken != nil && *token.RefreshToken != "" {
		encryptedRefresh, err := r.cipher.Encrypt(*token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		sealed.RefreshToken = &encryptedRefresh
	}

	return &sealed, nil
}

// open returns a copy with token values decrypted.
func (r *TokenRepository) open(token *models.OAuthToken) (*models.OAuthToken, error) {
	opened := *token

	plaintext, err := r.cipher.Decrypt(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	opened.AccessToken = plaintext

	if token.RefreshToken != nil && *token.RefreshToken != "" {
		plainRefresh, err := r.cipher.Decrypt(*token.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		opened.RefreshToken = &plainRefresh
	}

	return &opened, nil
}

// storeError wraps a database failure into the taxonomy.
func storeError(message string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Wrap(apperr.KindIntegrityViolation, message, err)
	}
	return apperr.Wrap(apperr.KindStoreUnavailable, message, err)
}
