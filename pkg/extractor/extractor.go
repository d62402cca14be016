// Package extractor turns submissions into normalized candidate identities.
package extractor

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/normalizers"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

// Decrypter yields the plaintext of a stored field value.
type Decrypter interface {
	Decrypt(ctx context.Context, submission *models.Submission, field models.SubmissionField) (string, error)
}

// PassthroughDecrypter returns stored values unchanged. It rejects encrypted
// fields so ciphertext never reaches a profile.
type PassthroughDecrypter struct{}

func (PassthroughDecrypter) Decrypt(_ context.Context, submission *models.Submission, field models.SubmissionField) (string, error) {
	if field.Encrypted {
		return "", fmt.Errorf("field %s on submission %s is encrypted and no decrypter is configured", field.FieldID, submission.ID)
	}
	return field.Value, nil
}

type Extractor struct {
	decrypter      Decrypter
	normalizePhone normalizers.Normalizer
	strictEmails   bool
	logger         ectologger.Logger
}

// NewExtractor builds an extractor. phoneNormalizer names a registered normalizer
// and falls back to trimming when unknown.
func NewExtractor(decrypter Decrypter, phoneNormalizer string, logger ectologger.Logger) *Extractor {
	if decrypter == nil {
		decrypter = PassthroughDecrypter{}
	}
	fn, ok := normalizers.Get(phoneNormalizer)
	if !ok {
		fn = normalizers.NormalizePhone
	}
	return &Extractor{
		decrypter:      decrypter,
		normalizePhone: fn,
		logger:         logger,
	}
}

// WithStrictEmails makes Extract drop email values that are not shaped like
// user@domain.tld. Off by default: any non-empty value is kept.
func (e *Extractor) WithStrictEmails(strict bool) *Extractor {
	e.strictEmails = strict
	return e
}

// Extract decrypts the identity fields of a submission and normalizes them:
// emails lowercased (and shape-checked when strict), phones per the configured normalizer,
// names trimmed. Values keep field order and are deduplicated.
func (e *Extractor) Extract(ctx context.Context, submission *models.Submission) (*models.CandidateIdentity, error) {
	ctx, span := tracing.StartSpan(ctx, "extractor.Extractor.Extract")
	defer span.End()

	identity := &models.CandidateIdentity{
		SubmissionID: submission.ID,
		FormID:       submission.FormID,
		SubmittedAt:  submission.SubmittedAt,
		Emails:       models.NewStringSet(),
		Phones:       models.NewStringSet(),
		Names:        models.NewStringSet(),
	}

	for _, field := range submission.Fields {
		if !field.Type.IsIdentity() {
			continue
		}

		value, err := e.decrypter.Decrypt(ctx, submission, field)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"submission_id": submission.ID,
				"field_id":      field.FieldID,
			}).Error("Failed to decrypt identity field")
			return nil, fmt.Errorf("failed to decrypt field %s: %w", field.FieldID, err)
		}

		switch field.Type {
		case models.FieldTypeEmail:
			email := normalizers.NormalizeEmail(value)
			if email == "" {
				continue
			}
			if e.strictEmails && !normalizers.LooksLikeEmail(email) {
				e.logger.WithContext(ctx).WithFields(map[string]any{
					"submission_id": submission.ID,
					"field_id":      field.FieldID,
				}).Debug("Dropping malformed email value")
				continue
			}
			identity.Emails.Add(email)
		case models.FieldTypePhone:
			identity.Phones.Add(e.normalizePhone(value))
		case models.FieldTypeName:
			identity.Names.Add(normalizers.NormalizeName(value))
		}
	}

	return identity, nil
}

// Decode decrypts every field of a submission for display or export.
func (e *Extractor) Decode(ctx context.Context, submission *models.Submission) ([]models.ExportField, error) {
	ctx, span := tracing.StartSpan(ctx, "extractor.Extractor.Decode")
	defer span.End()

	fields := make([]models.ExportField, 0, len(submission.Fields))
	for _, field := range submission.Fields {
		value, err := e.decrypter.Decrypt(ctx, submission, field)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %s: %w", field.FieldID, err)
		}
		fields = append(fields, models.ExportField{
			Label: field.Label,
			Type:  field.Type,
			Value: value,
		})
	}
	return fields, nil
}
