package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crnwallet/guard/internal/logger"
	"github.com/crnwallet/guard/internal/models"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/trap"
)

var ErrDecisionNotFound = errors.New("security decision not found")

// SecurityService persists the security layer's state: blocks, the
// allow-list, decoy activity, token revocations, decisions and audits.
type SecurityService struct {
	db *gorm.DB
}

// NewSecurityService returns a SecurityService using the provided DB
func NewSecurityService(db *gorm.DB) *SecurityService {
	return &SecurityService{db: db}
}

// SaveBlock upserts the block entry for origin.
func (s *SecurityService) SaveBlock(origin string, b reputation.Block) error {
	row := models.BlockedOrigin{
		Origin:     origin,
		Kind:       string(b.Kind),
		Reason:     b.Reason,
		BlockCount: b.Count,
	}
	if b.Kind == reputation.KindTemporary {
		exp := b.ExpiresAt
		row.ExpiresAt = &exp
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "origin"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "reason", "block_count", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

// DeleteBlock removes the block entry for origin, if any.
func (s *SecurityService) DeleteBlock(origin string) error {
	return s.db.Where("origin = ?", origin).Delete(&models.BlockedOrigin{}).Error
}

// SaveAllowed adds origin to the persisted allow-list.
func (s *SecurityService) SaveAllowed(origin string) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.AllowedOrigin{Origin: origin}).Error
}

// DeleteAllowed removes origin from the persisted allow-list.
func (s *SecurityService) DeleteAllowed(origin string) error {
	return s.db.Where("origin = ?", origin).Delete(&models.AllowedOrigin{}).Error
}

// LoadBlocks returns every persisted block keyed by origin.
func (s *SecurityService) LoadBlocks() (map[string]reputation.Block, error) {
	var rows []models.BlockedOrigin
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]reputation.Block, len(rows))
	for _, r := range rows {
		b := reputation.Block{Kind: reputation.Kind(r.Kind), Reason: r.Reason, Count: r.BlockCount}
		if !r.Permanent() {
			if r.ExpiresAt == nil {
				continue
			}
			b.Kind = reputation.KindTemporary
			b.ExpiresAt = *r.ExpiresAt
		}
		out[r.Origin] = b
	}
	return out, nil
}

// LoadAllowed returns the persisted allow-list.
func (s *SecurityService) LoadAllowed() ([]string, error) {
	var origins []string
	if err := s.db.Model(&models.AllowedOrigin{}).Order("origin").Pluck("origin", &origins).Error; err != nil {
		return nil, err
	}
	return origins, nil
}

// SaveTrapHit stores a decoy hit.
func (s *SecurityService) SaveTrapHit(ctx context.Context, h trap.Hit) error {
	return s.db.WithContext(ctx).Create(&models.TrapHit{
		UUID:      uuid.NewString(),
		Origin:    h.Origin,
		Path:      h.Path,
		Method:    h.Method,
		UserAgent: h.UserAgent,
		Location:  h.Location,
		CreatedAt: h.At,
	}).Error
}

// SaveCredential stores credentials captured by the decoy login form.
func (s *SecurityService) SaveCredential(ctx context.Context, c trap.Credential) error {
	return s.db.WithContext(ctx).Create(&models.CapturedCredential{
		UUID:      uuid.NewString(),
		Origin:    c.Origin,
		Username:  c.Username,
		Password:  c.Password,
		UserAgent: c.UserAgent,
		Path:      c.Path,
		CreatedAt: c.At,
	}).Error
}

// ListTrapHits returns recent decoy hits, newest first.
func (s *SecurityService) ListTrapHits(limit int) ([]models.TrapHit, error) {
	var res []models.TrapHit
	q := s.db.Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// ListCredentials returns recently captured credentials, newest first.
func (s *SecurityService) ListCredentials(limit int) ([]models.CapturedCredential, error) {
	var res []models.CapturedCredential
	q := s.db.Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// SaveRevocation stores a revoked token digest until expiresAt.
func (s *SecurityService) SaveRevocation(digest string, expiresAt time.Time) error {
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.RevokedToken{
		Digest:    digest,
		ExpiresAt: expiresAt,
	}).Error
}

// LoadRevocations returns revocations whose token has not expired at now.
func (s *SecurityService) LoadRevocations(now time.Time) (map[string]time.Time, error) {
	var rows []models.RevokedToken
	if err := s.db.Where("expires_at > ?", now).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Digest] = r.ExpiresAt
	}
	return out, nil
}

// PurgeRevocations deletes revocations whose token has expired at now.
func (s *SecurityService) PurgeRevocations(now time.Time) error {
	return s.db.Where("expires_at <= ?", now).Delete(&models.RevokedToken{}).Error
}

// LogDecision stores a security decision record
func (s *SecurityService) LogDecision(d *models.SecurityDecision) error {
	if d == nil {
		return nil
	}
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return s.db.Create(d).Error
}

// ListDecisions returns recent security decisions, ordered by created_at desc.
// A non-empty origin filters the list.
func (s *SecurityService) ListDecisions(origin string, limit int) ([]models.SecurityDecision, error) {
	var res []models.SecurityDecision
	q := s.db.Order("created_at desc, id desc")
	if origin != "" {
		q = q.Where("origin = ?", origin)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// GetDecision returns the decision with the given UUID.
func (s *SecurityService) GetDecision(id string) (*models.SecurityDecision, error) {
	var d models.SecurityDecision
	if err := s.db.Where("uuid = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return &d, nil
}

// LogAudit stores an audit entry
func (s *SecurityService) LogAudit(a *models.SecurityAudit) error {
	if a == nil {
		return nil
	}
	if a.UUID == "" {
		a.UUID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return s.db.Create(a).Error
}

// ListAudits returns recent audit entries, newest first.
func (s *SecurityService) ListAudits(limit int) ([]models.SecurityAudit, error) {
	var res []models.SecurityAudit
	q := s.db.Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// DecisionListener returns a reputation listener that records every block,
// unblock and allow-list change as a SecurityDecision.
func (s *SecurityService) DecisionListener() reputation.Listener {
	log := logger.Component("security")
	return func(ev reputation.Event) {
		action := string(ev.Action)
		if ev.Action == reputation.ActionBlock {
			action = fmt.Sprintf("block_%s", ev.Kind)
		}
		details := ev.Reason
		if ev.Duration > 0 {
			details = fmt.Sprintf("%s (for %s)", ev.Reason, ev.Duration.Round(time.Second))
		}
		d := &models.SecurityDecision{
			Source:    string(ev.Source),
			Action:    action,
			Origin:    ev.Origin,
			Details:   details,
			CreatedAt: ev.At,
		}
		if err := s.LogDecision(d); err != nil {
			log.WithError(err).WithField("origin", ev.Origin).Error("failed to record security decision")
		}
	}
}
