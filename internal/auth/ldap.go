package auth

import (
	"context"
	"errors"
	"fmt"

	ldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
)

// LDAPEntry is the directory identity returned by a successful bind.
type LDAPEntry struct {
	DN          string
	DisplayName string
	Email       string
}

// LDAPAuthenticate binds with the service account, finds the user by uid
// and binds again as the user to check the password.
func LDAPAuthenticate(username, password string, cfg *config.Config) (LDAPEntry, error) {
	if password == "" {
		return LDAPEntry{}, ErrInvalidCredentials
	}
	l, err := ldap.DialURL(cfg.LDAPURL)
	if err != nil {
		return LDAPEntry{}, err
	}
	defer l.Close()

	if err := l.Bind(cfg.LDAPBindDN, cfg.LDAPBindPass); err != nil {
		return LDAPEntry{}, fmt.Errorf("service bind: %w", err)
	}

	searchRequest := ldap.NewSearchRequest(
		cfg.LDAPBaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(uid=%s)", ldap.EscapeFilter(username)),
		[]string{"dn", "cn", "displayName", "mail"},
		nil,
	)
	sr, err := l.Search(searchRequest)
	if err != nil {
		return LDAPEntry{}, fmt.Errorf("search user: %w", err)
	}
	if len(sr.Entries) != 1 {
		return LDAPEntry{}, ErrInvalidCredentials
	}

	entry := sr.Entries[0]
	out := LDAPEntry{
		DN:          entry.DN,
		DisplayName: entry.GetAttributeValue("displayName"),
		Email:       entry.GetAttributeValue("mail"),
	}
	if out.DisplayName == "" {
		out.DisplayName = entry.GetAttributeValue("cn")
	}

	if err := l.Bind(out.DN, password); err != nil {
		return LDAPEntry{}, ErrInvalidCredentials
	}
	return out, nil
}

// ProvisionLDAPUser returns the local user for a directory login, creating
// it with defaultRole on first sight.
func ProvisionLDAPUser(ctx context.Context, db *gorm.DB, username string, entry LDAPEntry, defaultRole string) (*models.User, error) {
	var user models.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("username = ?", username).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		user = models.User{
			Username:    username,
			Email:       entry.Email,
			DisplayName: entry.DisplayName,
			Active:      true,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		var role models.Role
		if err := tx.Where("name = ?", defaultRole).First(&role).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				logger.Warn("ldap default role missing", zap.String("role", defaultRole))
				return nil
			}
			return err
		}
		return tx.Model(&user).Association("Roles").Append(&role)
	})
	if err != nil {
		return nil, fmt.Errorf("provision ldap user: %w", err)
	}
	if !user.Active {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

type ldapFunc func(username, password string, cfg *config.Config) (LDAPEntry, error)

// Authenticator logs users in according to AUTH_MODE.
type Authenticator struct {
	db   *gorm.DB
	cfg  *config.Config
	ldap ldapFunc
}

func NewAuthenticator(db *gorm.DB, cfg *config.Config) *Authenticator {
	return &Authenticator{db: db, cfg: cfg, ldap: LDAPAuthenticate}
}

// Login checks credentials. In ldap mode the directory is tried first and
// local users with a password hash remain usable as break-glass accounts.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*models.User, error) {
	if a.cfg.AuthMode != "ldap" {
		return AuthenticateLocal(ctx, a.db, username, password)
	}

	entry, err := a.ldap(username, password, a.cfg)
	if err == nil {
		return ProvisionLDAPUser(ctx, a.db, username, entry, a.cfg.LDAPDefaultRole)
	}
	logger.Debug("ldap login failed", zap.String("username", username), zap.Error(err))
	return AuthenticateLocal(ctx, a.db, username, password)
}
