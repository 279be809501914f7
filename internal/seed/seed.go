// Package seed bootstraps a default organization with a usable dunning
// policy and tax class so a fresh deployment can bill immediately.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	accountdomain "github.com/wispware/tally/internal/account/domain"
	dunningdomain "github.com/wispware/tally/internal/dunning/domain"
)

const (
	defaultOrgName    = "Main"
	defaultPolicyName = "standard"
)

// EnsureDefaultOrg seeds the default organization, its dunning policy
// and a zero-rate tax class. Safe to run on every startup.
func EnsureDefaultOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}
		if err := ensureDefaultPolicyTx(ctx, tx, node, org.ID); err != nil {
			return err
		}
		return ensureTaxClassesTx(ctx, tx, node, org.ID)
	})
}

func ensureOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (accountdomain.Organization, error) {
	var orgs []accountdomain.Organization
	if err := tx.WithContext(ctx).
		Where("name = ?", defaultOrgName).
		Limit(1).
		Find(&orgs).Error; err != nil {
		return accountdomain.Organization{}, err
	}
	if len(orgs) > 0 {
		return orgs[0], nil
	}

	org := accountdomain.Organization{
		ID:        node.Generate(),
		Name:      defaultOrgName,
		Currency:  "USD",
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return accountdomain.Organization{}, err
	}
	return org, nil
}

func ensureDefaultPolicyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	var policies []dunningdomain.Policy
	if err := tx.WithContext(ctx).
		Where("org_id = ? AND is_default = ?", orgID, true).
		Limit(1).
		Find(&policies).Error; err != nil {
		return err
	}
	if len(policies) > 0 {
		return nil
	}

	now := time.Now().UTC()
	policy := dunningdomain.Policy{
		ID:                     node.Generate(),
		OrgID:                  orgID,
		Name:                   defaultPolicyName,
		DueDays:                14,
		BlockingPeriodDays:     10,
		DeactivationPeriodDays: 60,
		MinBalanceThreshold:    0,
		IsDefault:              true,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	return tx.WithContext(ctx).Create(&policy).Error
}

func ensureTaxClassesTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, orgID snowflake.ID) error {
	var classes []accountdomain.TaxClass
	if err := tx.WithContext(ctx).
		Where("org_id = ?", orgID).
		Limit(1).
		Find(&classes).Error; err != nil {
		return err
	}
	if len(classes) > 0 {
		return nil
	}

	taxClass := accountdomain.TaxClass{
		ID:        node.Generate(),
		OrgID:     orgID,
		Code:      "exempt",
		Name:      "Tax exempt",
		RateBps:   0,
		CreatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(&taxClass).Error
}
