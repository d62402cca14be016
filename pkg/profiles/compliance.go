package profiles

import (
	"context"

	"github.com/Ramsey-B/sage/pkg/models"
)

// ComplianceSource supplies the consent and subject-rights records kept by the
// compliance service for a profile's submissions and identifiers.
type ComplianceSource interface {
	Consents(ctx context.Context, p *models.Profile) ([]models.Consent, error)
	DSRRequests(ctx context.Context, p *models.Profile) ([]models.DSRRequest, error)
}

// NoopCompliance reports no records. Used until a compliance service is configured.
type NoopCompliance struct{}

func (NoopCompliance) Consents(context.Context, *models.Profile) ([]models.Consent, error) {
	return []models.Consent{}, nil
}

func (NoopCompliance) DSRRequests(context.Context, *models.Profile) ([]models.DSRRequest, error) {
	return []models.DSRRequest{}, nil
}
