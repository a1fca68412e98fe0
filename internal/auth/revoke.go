package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/models"
)

const AuditLogout = "auth.logout"

// IsRevoked reports whether the token with id jti was logged out.
func IsRevoked(ctx context.Context, db *gorm.DB, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	var n int64
	err := db.WithContext(ctx).Model(&models.RevokedToken{}).Where("jti = ?", jti).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

// Logout revokes the caller's access token. refreshToken is revoked too
// when it is valid and belongs to the same user; otherwise it is ignored.
// Revocations past their token's expiry are pruned on the way.
func Logout(ctx context.Context, db *gorm.DB, cfg *config.Config, p *Principal, refreshToken, ip string) error {
	refresh := refreshClaims(cfg, p.UserID, refreshToken)
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at < ?", time.Now()).Delete(&models.RevokedToken{}).Error; err != nil {
			return fmt.Errorf("prune revoked tokens: %w", err)
		}
		if err := revoke(tx, p.TokenID, p.UserID, p.ExpiresAt); err != nil {
			return err
		}
		if refresh != nil {
			if err := revoke(tx, refresh.ID, p.UserID, refresh.ExpiresAt.Time); err != nil {
				return err
			}
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(p.UserID),
			Action:       AuditLogout,
			ResourceKind: "user",
			ResourceID:   strconv.FormatUint(uint64(p.UserID), 10),
			Diff:         map[string]any{"refreshRevoked": refresh != nil},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
}

func refreshClaims(cfg *config.Config, userID uint, token string) *Claims {
	if token == "" {
		return nil
	}
	claims, err := ParseToken(token, TokenRefresh, cfg)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	if id, err := claims.UserID(); err != nil || id != userID {
		return nil
	}
	return claims
}

func revoke(tx *gorm.DB, jti string, userID uint, exp time.Time) error {
	if jti == "" {
		return nil
	}
	if exp.IsZero() {
		exp = time.Now().Add(24 * time.Hour)
	}
	row := models.RevokedToken{JTI: jti, UserID: userID, ExpiresAt: exp}
	err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "jti"}}, DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}
