package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultSearchLimit = 30
	maxSearchLimit     = 100
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile exists for the user id.
	ErrProfileNotFound = errors.New("users: profile not found")
)

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical user identifiers, provider identities and profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the session claims,
// creating the identity mapping and a profile the first time a provider+subject pair is seen.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		_ = db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	if _, err := s.EnsureProfile(ctx, identity.UserID, usernameFromClaims(claims, identity.UserID), identity.DisplayName, identity.AvatarURL); err != nil {
		return "", err
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// EnsureProfile creates a profile for userID when none exists and returns the stored profile.
// A username already taken by another user gets the user id appended.
func (s *Service) EnsureProfile(ctx context.Context, userID, username, displayName, avatarURL string) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	username = strings.ToLower(normalize(username))
	if username == "" {
		username = userID
	}

	db := s.db.WithContext(ctx)
	var existing Profile
	err := db.Where("user_id = ?", userID).Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, err
	}

	var taken int64
	if err := db.Model(&Profile{}).Where("username = ?", username).Count(&taken).Error; err != nil {
		return Profile{}, err
	}
	if taken > 0 {
		username = username + "-" + strings.ToLower(userID)
	}

	profile := Profile{
		UserID:      userID,
		Username:    username,
		DisplayName: normalize(displayName),
		AvatarURL:   normalize(avatarURL),
		CreatedAt:   s.now().UTC().Unix(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&profile).Error; err != nil {
		return Profile{}, err
	}
	if err := db.Where("user_id = ?", userID).Take(&profile).Error; err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// GetProfile loads the profile for userID.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", normalize(userID)).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// SearchProfiles matches usernames case-insensitively by substring, ordered by username.
// An empty query lists the first profiles alphabetically. excludeUserID is left out of the results.
func (s *Service) SearchProfiles(ctx context.Context, query string, excludeUserID string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	statement := s.db.WithContext(ctx).Model(&Profile{})
	if term := strings.ToLower(normalize(query)); term != "" {
		statement = statement.Where("LOWER(username) LIKE ? ESCAPE '\\'", "%"+escapeLike(term)+"%")
	}
	if excluded := normalize(excludeUserID); excluded != "" {
		statement = statement.Where("user_id <> ?", excluded)
	}

	var profiles []Profile
	if err := statement.Order("username ASC").Limit(limit).Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

func usernameFromClaims(claims auth.SessionClaims, fallback string) string {
	if email := normalize(claims.UserEmail); email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return fallback
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
