package unlock

import (
	"context"
	"fmt"
)

// GrantUnlock issues an administrative unlock. Repeating it for the same subject is a no-op.
func (service *Service) GrantUnlock(ctx context.Context, productID ProductID, subject SubjectKey) (UnlockResult, error) {
	result, operationError := service.grantUnlock(ctx, productID, subject)
	service.logOperation(ctx, OperationLog{
		Operation: operationGrantUnlock,
		ProductID: productID,
		Subject:   subject,
		Outcome:   result.Outcome,
		GrantType: GrantAdmin,
		Error:     operationError,
	})
	return result, operationError
}

func (service *Service) grantUnlock(ctx context.Context, productID ProductID, subject SubjectKey) (UnlockResult, error) {
	if productID.IsZero() {
		return UnlockResult{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	if subject.String() == "" {
		return UnlockResult{}, fmt.Errorf("%w: empty value", ErrInvalidSubjectKey)
	}
	if err := service.requireProduct(ctx, productID); err != nil {
		return UnlockResult{}, err
	}
	return service.createGrant(ctx, productID, subject, GrantAdmin)
}

// SetDeviceBan bans or unbans a device, creating its credit record when it was never seen.
func (service *Service) SetDeviceBan(ctx context.Context, deviceID DeviceID, banned bool) error {
	if deviceID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateDeviceCredit(ctx, deviceID); err != nil {
			return err
		}
		return transactionStore.SetDeviceBanned(ctx, deviceID, banned)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetDeviceBan,
		DeviceID:  deviceID,
		Error:     operationError,
	})
	return operationError
}

// GetDeviceCredit returns the credit record of a device.
func (service *Service) GetDeviceCredit(ctx context.Context, deviceID DeviceID) (DeviceCredit, error) {
	if deviceID.IsZero() {
		return DeviceCredit{}, fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	return service.store.GetDeviceCredit(ctx, deviceID)
}

// RegisterProduct adds a product to the unlockable catalog.
func (service *Service) RegisterProduct(ctx context.Context, product Product) error {
	validated, err := NewProduct(product.ProductID, product.Title)
	if err != nil {
		return err
	}
	return service.catalog.RegisterProduct(ctx, validated)
}
