package services

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crnwallet/guard/internal/models"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/token"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrLoginBlocked       = errors.New("too many failed logins")
	ErrStaffExists        = errors.New("staff username already exists")
	ErrStaffNotFound      = errors.New("staff not found")
)

// AuthService authenticates staff accounts and hands out token pairs.
// Failed attempts feed the reputation store so repeated guessing blocks
// the origin.
type AuthService struct {
	db     *gorm.DB
	store  *reputation.Store
	tokens *token.Manager
}

func NewAuthService(db *gorm.DB, store *reputation.Store, tokens *token.Manager) *AuthService {
	return &AuthService{db: db, store: store, tokens: tokens}
}

// CreateStaff registers a staff account. The first account is always an admin.
func (s *AuthService) CreateStaff(username, password, name, role string) (*models.Staff, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var count int64
	if err := s.db.Model(&models.Staff{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrStaffExists
	}
	var total int64
	if err := s.db.Model(&models.Staff{}).Count(&total).Error; err != nil {
		return nil, err
	}
	switch {
	case total == 0:
		role = "admin"
	case role == "":
		role = "staff"
	}

	staff := &models.Staff{
		UUID:     uuid.NewString(),
		Username: username,
		Name:     name,
		Role:     role,
		Enabled:  true,
	}
	if err := staff.SetPassword(password); err != nil {
		return nil, err
	}
	if err := s.db.Create(staff).Error; err != nil {
		return nil, err
	}
	return staff, nil
}

// Login checks credentials for username on behalf of origin and returns a
// token pair on success.
func (s *AuthService) Login(origin, username, password string) (token.Pair, *models.Staff, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	var staff models.Staff
	if err := s.db.Where("username = ?", username).First(&staff).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return token.Pair{}, nil, err
		}
		return token.Pair{}, nil, s.fail(origin)
	}
	if !staff.CheckPassword(password) {
		return token.Pair{}, nil, s.fail(origin)
	}
	if !staff.Enabled {
		return token.Pair{}, nil, ErrAccountDisabled
	}

	s.store.RecordSuccess(origin)
	now := time.Now()
	staff.LastLogin = &now
	if err := s.db.Model(&staff).Update("last_login", now).Error; err != nil {
		return token.Pair{}, nil, err
	}

	pair, err := s.tokens.IssuePair(strconv.FormatUint(uint64(staff.ID), 10), staff.Username, staff.Role, 0)
	if err != nil {
		return token.Pair{}, nil, err
	}
	return pair, &staff, nil
}

func (s *AuthService) fail(origin string) error {
	if s.store.RecordFailure(origin) {
		return ErrLoginBlocked
	}
	return ErrInvalidCredentials
}

// Logout revokes every non-empty token given.
func (s *AuthService) Logout(tokens ...string) {
	for _, t := range tokens {
		if t != "" {
			s.tokens.Revoke(t)
		}
	}
}

// GetStaff returns the enabled staff account named by a token subject.
func (s *AuthService) GetStaff(subject string) (*models.Staff, error) {
	id, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return nil, ErrStaffNotFound
	}
	var staff models.Staff
	if err := s.db.First(&staff, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStaffNotFound
		}
		return nil, err
	}
	if !staff.Enabled {
		return nil, ErrAccountDisabled
	}
	return &staff, nil
}

// ResetPassword sets a new password for username and re-enables the account.
func (s *AuthService) ResetPassword(username, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if password == "" {
		return ErrInvalidCredentials
	}
	var staff models.Staff
	if err := s.db.Where("username = ?", username).First(&staff).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrStaffNotFound
		}
		return err
	}
	if err := staff.SetPassword(password); err != nil {
		return err
	}
	staff.Enabled = true
	return s.db.Save(&staff).Error
}
