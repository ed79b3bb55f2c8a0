package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dukahq/billing/internal/audit"
	"github.com/dukahq/billing/internal/auth"
	billingerrors "github.com/dukahq/billing/internal/errors"
	"github.com/dukahq/billing/internal/entitlement"
	"github.com/dukahq/billing/internal/metrics"
	"github.com/dukahq/billing/internal/registry"
	"github.com/dukahq/billing/internal/wspush"
)

// BlockTenant cuts off a tenant's write access regardless of payment
// state. The override stays until an admin lifts it.
func (s *Service) BlockTenant(tenantID, reason, actor, ip string) (*registry.Tenant, error) {
	const op = "block tenant"
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	now := time.Now().UTC()
	tenant.IsManuallyBlocked = true
	tenant.ManuallyBlockedAt = &now
	tenant.ManualBlockReason = reason
	if err := s.store.UpdateTenant(tenant); err != nil {
		return nil, err
	}

	s.recordAdminAction(actor, audit.ActionTenantBlock, "tenant", tenantID, map[string]string{"reason": reason}, ip)
	s.push(tenantID, wspush.EventTenantBlocked, map[string]string{"tenant_id": tenantID, "reason": reason})
	log.Warn().Str("tenant_id", tenantID).Str("actor", actor).Str("reason", reason).Msg("Tenant manually blocked")
	return tenant, nil
}

// UnblockTenant lifts a manual block. Paid status is whatever it was;
// unblocking never grants a subscription.
func (s *Service) UnblockTenant(tenantID, actor, ip string) (*registry.Tenant, error) {
	const op = "unblock tenant"
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	tenant.IsManuallyBlocked = false
	tenant.ManuallyBlockedAt = nil
	tenant.ManualBlockReason = ""
	if err := s.store.UpdateTenant(tenant); err != nil {
		return nil, err
	}

	s.recordAdminAction(actor, audit.ActionTenantUnblock, "tenant", tenantID, nil, ip)
	s.push(tenantID, wspush.EventTenantUnblocked, map[string]string{"tenant_id": tenantID})
	log.Info().Str("tenant_id", tenantID).Str("actor", actor).Msg("Tenant unblocked")
	return tenant, nil
}

// RevokeSubscription ends a tenant's access immediately: every branch
// goes unpaid now instead of running to the period end.
func (s *Service) RevokeSubscription(tenantID, actor, ip string) (*SubscriptionStatus, error) {
	const op = "revoke subscription"
	tenant, err := s.store.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, billingerrors.NotFoundf(op, tenantID, "tenant not found")
	}

	now := time.Now().UTC()
	revoked, err := s.store.RevokeTenantBranches(tenantID, now)
	if err != nil {
		return nil, err
	}

	s.recordAdminAction(actor, audit.ActionSubscriptionRevoke, "tenant", tenantID, map[string]int64{"branches_revoked": revoked}, ip)
	s.push(tenantID, wspush.EventSubscriptionUpdated, map[string]string{"tenant_id": tenantID})
	log.Warn().Str("tenant_id", tenantID).Str("actor", actor).Int64("branches_revoked", revoked).Msg("Subscription revoked")
	return s.SubscriptionStatus(tenantID)
}

// recordAdminAction writes the activity log entry for an admin mutation.
// A failed write is logged loudly but never rolls back the mutation.
func (s *Service) recordAdminAction(actor, action, targetType, targetID string, details any, ip string) {
	var detailJSON string
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			log.Error().Err(err).Str("action", action).Msg("Failed to encode audit details")
		} else {
			detailJSON = string(b)
		}
	}
	entry := audit.NewEntry(actor, action, targetType, targetID, detailJSON, ip)
	if err := s.audit.Record(entry); err != nil {
		log.Error().Err(err).Str("action", action).Str("target_id", targetID).Msg("Failed to record audit entry")
	}
	metrics.AdminActionsTotal.WithLabelValues(action).Inc()
}

// CreateAdminUser provisions a platform admin account.
func (s *Service) CreateAdminUser(email, password, actor, ip string) (*registry.AdminUser, error) {
	const op = "create admin user"
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, billingerrors.Validationf(op, "email is required")
	}
	if err := auth.ValidatePasswordComplexity(password); err != nil {
		return nil, billingerrors.Validationf(op, "%v", err)
	}

	existing, err := s.store.GetAdminByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, billingerrors.Validationf(op, "admin %s already exists", email)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	id, err := registry.GenerateAdminID()
	if err != nil {
		return nil, err
	}
	admin := &registry.AdminUser{ID: id, Email: email, PasswordHash: hash}
	if err := s.store.CreateAdmin(admin); err != nil {
		return nil, err
	}

	s.recordAdminAction(actor, audit.ActionAdminCreate, "admin_user", id, map[string]string{"email": email}, ip)
	log.Info().Str("admin_id", id).Str("email", email).Str("actor", actor).Msg("Admin user created")
	return admin, nil
}

// DeleteAdminUser removes an admin account. The last admin cannot be
// deleted.
func (s *Service) DeleteAdminUser(id, actor, ip string) error {
	const op = "delete admin user"
	admin, err := s.store.GetAdmin(id)
	if err != nil {
		return err
	}
	if admin == nil {
		return billingerrors.NotFoundf(op, id, "admin user not found")
	}

	count, err := s.store.CountAdmins()
	if err != nil {
		return err
	}
	if count <= 1 {
		return billingerrors.Validationf(op, "cannot delete the last admin user")
	}

	if err := s.store.DeleteAdmin(id); err != nil {
		return err
	}
	s.recordAdminAction(actor, audit.ActionAdminDelete, "admin_user", id, map[string]string{"email": admin.Email}, ip)
	log.Info().Str("admin_id", id).Str("actor", actor).Msg("Admin user deleted")
	return nil
}

// ResetAdminPassword replaces an admin's password.
func (s *Service) ResetAdminPassword(id, password, actor, ip string) error {
	const op = "reset admin password"
	admin, err := s.store.GetAdmin(id)
	if err != nil {
		return err
	}
	if admin == nil {
		return billingerrors.NotFoundf(op, id, "admin user not found")
	}
	if err := auth.ValidatePasswordComplexity(password); err != nil {
		return billingerrors.Validationf(op, "%v", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdateAdminPassword(id, hash); err != nil {
		return err
	}
	s.recordAdminAction(actor, audit.ActionAdminResetPassword, "admin_user", id, nil, ip)
	log.Info().Str("admin_id", id).Str("actor", actor).Msg("Admin password reset")
	return nil
}

// AuthenticateAdmin checks admin credentials. Lookup and hash failures
// collapse into one authorization error so the response never reveals
// which part failed. Successful logins land in the activity log.
func (s *Service) AuthenticateAdmin(email, password, ip string) (*registry.AdminUser, error) {
	const op = "admin login"
	email = strings.ToLower(strings.TrimSpace(email))
	admin, err := s.store.GetAdminByEmail(email)
	if err != nil {
		return nil, err
	}
	if admin == nil || !auth.CheckPasswordHash(password, admin.PasswordHash) {
		log.Warn().Str("email", email).Str("ip", ip).Msg("Admin login rejected")
		return nil, billingerrors.Unauthorizedf(op, "invalid credentials")
	}

	s.recordAdminAction(admin.Email, audit.ActionAdminLogin, "admin_user", admin.ID, nil, ip)
	log.Info().Str("admin_id", admin.ID).Str("email", admin.Email).Msg("Admin logged in")
	return admin, nil
}

// OverdueTenant is a tenant whose subscription or trial has lapsed,
// annotated for the collections view.
type OverdueTenant struct {
	Tenant          *registry.Tenant `json:"tenant"`
	DaysSinceExpiry int              `json:"days_since_expiry"`
	PastGracePeriod bool             `json:"past_grace_period"`
}

// UnsubscribedTenants lists tenants with no active paid main branch and
// no running trial, oldest expiry first.
func (s *Service) UnsubscribedTenants() ([]OverdueTenant, error) {
	now := time.Now().UTC()
	tenants, err := s.store.ListUnsubscribedTenants(now)
	if err != nil {
		return nil, err
	}

	out := make([]OverdueTenant, 0, len(tenants))
	for _, t := range tenants {
		main, err := s.store.MainBranch(t.ID)
		if err != nil {
			return nil, err
		}

		var since *time.Time
		if main != nil && main.Subscription.SubscriptionEndDate != nil {
			since = main.Subscription.SubscriptionEndDate
		} else if t.TrialEndsAt != nil {
			since = t.TrialEndsAt
		}

		ot := OverdueTenant{Tenant: t}
		if since != nil && since.Before(now) {
			ot.DaysSinceExpiry = int(now.Sub(*since) / (24 * time.Hour))
			ot.PastGracePeriod = entitlement.PastGracePeriod(since, s.graceDays, now)
		}
		out = append(out, ot)
	}
	return out, nil
}
