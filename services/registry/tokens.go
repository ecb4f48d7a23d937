package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// issueConfirmToken stores a one-time token authorizing a single pending
// field change. Expired rows are swept opportunistically on issue.
func (r *Registry) issueConfirmToken(ctx context.Context, machineID uuid.UUID, field, newValue string) (string, error) {
	now := time.Now().UTC()
	if err := r.orm.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&confirmTokenModel{}).Error; err != nil {
		return "", err
	}

	token := confirmTokenModel{
		ID:        uuid.New(),
		MachineID: machineID,
		Field:     field,
		NewValue:  newValue,
		Token:     uuid.New().String(),
		ExpiresAt: now.Add(r.confirmTTL),
	}
	if err := r.orm.WithContext(ctx).Create(&token).Error; err != nil {
		return "", err
	}
	return token.Token, nil
}

// consumeConfirmToken marks a token used if it matches the pending change
// and is still live. The conditional update makes the consume one-shot
// even under concurrent retries.
func (r *Registry) consumeConfirmToken(ctx context.Context, machineID uuid.UUID, field, newValue, token string) error {
	res := r.orm.WithContext(ctx).Model(&confirmTokenModel{}).
		Where("token = ? AND machine_id = ? AND field = ? AND new_value = ? AND used = ? AND expires_at > ?",
			token, machineID, field, newValue, false, time.Now().UTC()).
		Update("used", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &ValidationError{Field: "confirm_token", Reason: "invalid, expired, or already used"}
	}
	return nil
}
