package qbsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var ErrNoCredential = errors.New("no active quickbooks credential for realm")

type TokenConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	// ExpirySkew treats a token expiring within this window as already
	// expired, so a long page fetch never outlives its bearer token.
	ExpirySkew time.Duration
}

func TokenConfigFromEnv() TokenConfig {
	tokenURL := strings.TrimSpace(os.Getenv("QB_TOKEN_URL"))
	if tokenURL == "" {
		tokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	}
	return TokenConfig{
		ClientID:     strings.TrimSpace(os.Getenv("QB_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("QB_CLIENT_SECRET")),
		TokenURL:     tokenURL,
		ExpirySkew:   time.Minute,
	}
}

// TokenManager resolves the active bearer credential per realm and refreshes
// it transparently. Refreshing persists a new credential row and deactivates
// the prior ones; access tokens are cached in redis until shortly before
// expiry.
type TokenManager struct {
	cfg TokenConfig
}

func NewTokenManager(cfg TokenConfig) *TokenManager {
	return &TokenManager{cfg: cfg}
}

func tokenCacheKey(realmId string) string {
	return "QbAccessToken:" + realmId
}

func (m *TokenManager) HasActiveCredential(ctx context.Context, db *gorm.DB, realmId string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&models.QbCredential{}).
		Where("realm_id = ? AND is_active = ?", realmId, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetToken returns a valid access token for the realm, refreshing first if
// the stored one is expired or about to expire.
func (m *TokenManager) GetToken(ctx context.Context, db *gorm.DB, realmId string) (string, error) {
	var cached string
	if found, err := config.GetRedisObject(tokenCacheKey(realmId), &cached); err == nil && found && cached != "" {
		return cached, nil
	}

	cred, err := m.activeCredential(ctx, db, realmId)
	if err != nil {
		return "", err
	}

	if m.isExpired(cred) {
		cred, err = m.refresh(ctx, db, cred)
		if err != nil {
			return "", err
		}
	}

	m.cacheToken(realmId, cred)
	return cred.AccessToken, nil
}

// ForceRefresh discards any cached token and performs the refresh exchange
// immediately. Used by the client's one retry-after-refresh on a 401.
func (m *TokenManager) ForceRefresh(ctx context.Context, db *gorm.DB, realmId string) (string, error) {
	_ = config.RemoveRedisKey(tokenCacheKey(realmId))

	cred, err := m.activeCredential(ctx, db, realmId)
	if err != nil {
		return "", err
	}
	cred, err = m.refresh(ctx, db, cred)
	if err != nil {
		return "", err
	}
	m.cacheToken(realmId, cred)
	return cred.AccessToken, nil
}

func (m *TokenManager) activeCredential(ctx context.Context, db *gorm.DB, realmId string) (*models.QbCredential, error) {
	var cred models.QbCredential
	err := db.WithContext(ctx).
		Where("realm_id = ? AND is_active = ?", realmId, true).
		Order("id desc").
		Take(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoCredential, realmId)
		}
		return nil, err
	}
	return &cred, nil
}

func (m *TokenManager) isExpired(cred *models.QbCredential) bool {
	if cred.AccessTokenExpiresAt == nil {
		return true
	}
	return time.Now().Add(m.cfg.ExpirySkew).After(*cred.AccessTokenExpiresAt)
}

func (m *TokenManager) refresh(ctx context.Context, db *gorm.DB, cred *models.QbCredential) (*models.QbCredential, error) {
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return nil, fmt.Errorf("credential %d has no refresh token", cred.ID)
	}

	conf := &oauth2.Config{
		ClientID:     m.cfg.ClientID,
		ClientSecret: m.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  m.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange for realm %s: %w", cred.RealmId, err)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Intuit rotates refresh tokens, but keep the old one if the
		// response omitted it.
		refreshToken = cred.RefreshToken
	}

	accessExpiry := token.Expiry
	newCred := models.QbCredential{
		RealmId:               cred.RealmId,
		AccessToken:           token.AccessToken,
		RefreshToken:          refreshToken,
		AccessTokenExpiresAt:  &accessExpiry,
		RefreshTokenExpiresAt: cred.RefreshTokenExpiresAt,
		IsActive:              true,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.QbCredential{}).
			Where("realm_id = ? AND is_active = ?", cred.RealmId, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&newCred).Error
	})
	if err != nil {
		return nil, err
	}
	return &newCred, nil
}

func (m *TokenManager) cacheToken(realmId string, cred *models.QbCredential) {
	if cred.AccessTokenExpiresAt == nil {
		return
	}
	ttl := time.Until(*cred.AccessTokenExpiresAt) - m.cfg.ExpirySkew
	if ttl <= 0 {
		return
	}
	_ = config.SetRedisObject(tokenCacheKey(realmId), cred.AccessToken, ttl)
}
