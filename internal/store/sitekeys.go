package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var ErrUnauthorized = errors.New("unauthorized")

// Keys manages per-site agent API keys. Keys are bcrypt-hashed at rest;
// the plaintext is only ever returned once, at mint time.
type Keys struct {
	db *gorm.DB
}

func NewKeys(db *gorm.DB) *Keys {
	return &Keys{db: db}
}

// Mint creates a new key for the site and returns the record plus the
// plaintext key.
func (k *Keys) Mint(ctx context.Context, siteID int64, label string) (*SiteKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	plaintext := "epk_" + hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	rec := &SiteKey{SiteID: siteID, KeyHash: string(hash), Label: label}
	if err := k.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, "", err
	}
	return rec, plaintext, nil
}

// Revoke marks a key unusable. Revoking an already-revoked key is a
// no-op.
func (k *Keys) Revoke(ctx context.Context, siteID int64, keyID uuid.UUID) error {
	now := time.Now().UTC()
	res := k.db.WithContext(ctx).Model(&SiteKey{}).
		Where("id = ? AND site_id = ? AND revoked_at IS NULL", keyID, siteID).
		Update("revoked_at", &now)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// Authenticate checks a presented plaintext key against every unrevoked
// key for the site, so rotation can overlap old and new keys.
func (k *Keys) Authenticate(ctx context.Context, siteID int64, plaintext string) error {
	var rows []SiteKey
	if err := k.db.WithContext(ctx).
		Where("site_id = ? AND revoked_at IS NULL", siteID).
		Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(plaintext)) == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

func (k *Keys) List(ctx context.Context, siteID int64) ([]SiteKey, error) {
	var rows []SiteKey
	err := k.db.WithContext(ctx).Where("site_id = ?", siteID).Order("created_at desc").Find(&rows).Error
	return rows, err
}
