package unlock

import (
	"context"
	"errors"
	"fmt"
)

// Service gates product detail views behind free credits and subscriptions.
type Service struct {
	store               Store
	catalog             ProductCatalog
	nowFn               func() int64
	logger              OperationLogger
	freeCreditLimit     int64
	abuseEmailThreshold int
}

// NewService wires a Service.
func NewService(store Store, catalog ProductCatalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:               store,
		catalog:             catalog,
		nowFn:               now,
		freeCreditLimit:     defaultFreeCreditLimit,
		abuseEmailThreshold: defaultAbuseEmailThreshold,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.freeCreditLimit < 1 {
		return nil, fmt.Errorf("%w: free credit limit must be positive", ErrInvalidServiceConfig)
	}
	if service.abuseEmailThreshold < 1 {
		return nil, fmt.Errorf("%w: abuse email threshold must be positive", ErrInvalidServiceConfig)
	}
	return service, nil
}

// RequestUnlock grants access to a product for a device, consuming the device's free credit
// when the requester is not a subscriber. Re-requesting an unlocked product never consumes a credit.
func (service *Service) RequestUnlock(ctx context.Context, request UnlockRequest) (UnlockResult, error) {
	result, operationError := service.requestUnlock(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:   operationRequestUnlock,
		ProductID:   request.ProductID,
		DeviceID:    request.DeviceID,
		AccountID:   request.AccountID,
		Subject:     result.Grant.SubjectKey,
		Outcome:     result.Outcome,
		GrantType:   result.Grant.GrantType,
		CreditsUsed: result.CreditsUsed,
		Error:       operationError,
	})
	return result, operationError
}

func (service *Service) requestUnlock(ctx context.Context, request UnlockRequest) (UnlockResult, error) {
	if err := request.validate(); err != nil {
		return UnlockResult{}, err
	}
	if err := service.requireProduct(ctx, request.ProductID); err != nil {
		return UnlockResult{}, err
	}
	credit, err := service.store.GetOrCreateDeviceCredit(ctx, request.DeviceID)
	if err != nil {
		return UnlockResult{}, err
	}
	if credit.IsBanned {
		return UnlockResult{}, ErrDeviceBanned
	}
	service.linkAccount(ctx, credit, request)

	subjects := request.subjects()
	existing, found, err := service.store.FindGrant(ctx, request.ProductID, subjects)
	if err != nil {
		return UnlockResult{}, err
	}
	if found {
		return UnlockResult{Outcome: OutcomeAlreadyUnlocked, Grant: existing, CreditsUsed: credit.CreditsUsed}, nil
	}
	if request.IsSubscriber {
		subject := DeviceSubject(request.DeviceID)
		if !request.AccountID.IsZero() {
			subject = AccountSubject(request.AccountID)
		}
		result, err := service.createGrant(ctx, request.ProductID, subject, GrantSubscription)
		result.CreditsUsed = credit.CreditsUsed
		return result, err
	}
	return service.reserveFreeCredit(ctx, request, subjects)
}

// reserveFreeCredit increments first and checks second; every path that does not end in a new
// grant gives the reservation back.
func (service *Service) reserveFreeCredit(ctx context.Context, request UnlockRequest, subjects []SubjectKey) (UnlockResult, error) {
	creditsUsed, err := service.store.AdjustCreditsUsed(ctx, request.DeviceID, creditReservationStep)
	if err != nil {
		return UnlockResult{}, err
	}
	if creditsUsed > service.freeCreditLimit {
		creditsUsed, err = service.rollbackReservation(ctx, request.DeviceID)
		if err != nil {
			return UnlockResult{}, err
		}
		// A concurrent request for this same product may have taken the credit.
		existing, found, err := service.store.FindGrant(ctx, request.ProductID, subjects)
		if err != nil {
			return UnlockResult{}, err
		}
		if found {
			return UnlockResult{Outcome: OutcomeAlreadyUnlocked, Grant: existing, CreditsUsed: creditsUsed}, nil
		}
		return UnlockResult{Outcome: OutcomeUpgradeRequired, CreditsUsed: creditsUsed}, nil
	}

	grant := UnlockGrant{
		SubjectKey:       DeviceSubject(request.DeviceID),
		ProductID:        request.ProductID,
		GrantType:        GrantFreeCredit,
		GrantedAtUnixUTC: service.nowFn(),
	}
	created, createError := service.store.CreateGrant(ctx, grant)
	if createError != nil {
		if _, rollbackError := service.rollbackReservation(ctx, request.DeviceID); rollbackError != nil {
			return UnlockResult{}, errors.Join(createError, rollbackError)
		}
		return UnlockResult{}, createError
	}
	if !created {
		creditsUsed, err = service.rollbackReservation(ctx, request.DeviceID)
		if err != nil {
			return UnlockResult{}, err
		}
		existing, found, err := service.store.FindGrant(ctx, request.ProductID, subjects)
		if err != nil {
			return UnlockResult{}, err
		}
		if !found {
			existing = grant
		}
		return UnlockResult{Outcome: OutcomeAlreadyUnlocked, Grant: existing, CreditsUsed: creditsUsed}, nil
	}
	return UnlockResult{Outcome: OutcomeUnlocked, Grant: grant, CreditsUsed: creditsUsed}, nil
}

// rollbackReservation outlives a cancelled request so an abandoned call cannot overcount.
func (service *Service) rollbackReservation(ctx context.Context, deviceID DeviceID) (int64, error) {
	return service.store.AdjustCreditsUsed(context.WithoutCancel(ctx), deviceID, -creditReservationStep)
}

// CheckUnlockStatus reports whether a device or account may view a product. It never writes.
func (service *Service) CheckUnlockStatus(ctx context.Context, query StatusQuery) (UnlockStatus, error) {
	if query.ProductID.IsZero() {
		return UnlockStatus{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	if query.IsSubscriber {
		return UnlockStatus{IsUnlocked: true, GrantType: GrantSubscription}, nil
	}
	subjects := make([]SubjectKey, 0, 2)
	if !query.DeviceID.IsZero() {
		subjects = append(subjects, DeviceSubject(query.DeviceID))
	}
	if !query.AccountID.IsZero() {
		subjects = append(subjects, AccountSubject(query.AccountID))
	}
	if len(subjects) == 0 {
		return UnlockStatus{}, fmt.Errorf("%w: device or account is required", ErrInvalidSubjectKey)
	}
	grant, found, err := service.store.FindGrant(ctx, query.ProductID, subjects)
	if err != nil {
		return UnlockStatus{}, err
	}
	if !found {
		return UnlockStatus{}, nil
	}
	return UnlockStatus{IsUnlocked: true, GrantType: grant.GrantType}, nil
}

func (service *Service) createGrant(ctx context.Context, productID ProductID, subject SubjectKey, grantType GrantType) (UnlockResult, error) {
	grant := UnlockGrant{
		SubjectKey:       subject,
		ProductID:        productID,
		GrantType:        grantType,
		GrantedAtUnixUTC: service.nowFn(),
	}
	created, err := service.store.CreateGrant(ctx, grant)
	if err != nil {
		return UnlockResult{}, err
	}
	if created {
		return UnlockResult{Outcome: OutcomeUnlocked, Grant: grant}, nil
	}
	existing, found, err := service.store.FindGrant(ctx, productID, []SubjectKey{subject})
	if err != nil {
		return UnlockResult{}, err
	}
	if !found {
		existing = grant
	}
	return UnlockResult{Outcome: OutcomeAlreadyUnlocked, Grant: existing}, nil
}

func (service *Service) requireProduct(ctx context.Context, productID ProductID) error {
	exists, err := service.catalog.ProductExists(ctx, productID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID.String())
	}
	return nil
}

// linkAccount records the account and email seen on a device. Failures are logged and never block an unlock.
func (service *Service) linkAccount(ctx context.Context, credit DeviceCredit, request UnlockRequest) {
	linkage, changed, linkError := service.saveLinkage(ctx, credit, request)
	if !changed {
		return
	}
	status := operationStatusOK
	if linkError != nil {
		status = operationStatusDegraded
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationLinkAccount,
		ProductID: request.ProductID,
		DeviceID:  credit.DeviceID,
		AccountID: linkage.LinkedAccountID,
		Status:    status,
		Error:     linkError,
	})
}

// saveLinkage replans from a fresh read whenever another request wrote the device's linkage first.
func (service *Service) saveLinkage(ctx context.Context, credit DeviceCredit, request UnlockRequest) (DeviceLinkage, bool, error) {
	var linkage DeviceLinkage
	for attempt := 0; attempt < maxLinkageAttempts; attempt++ {
		planned, changed := planLinkage(credit, request.AccountID, request.Email, service.abuseEmailThreshold)
		if !changed {
			return planned, false, nil
		}
		linkage = planned
		applied, err := service.store.SaveDeviceLinkage(ctx, credit.DeviceID, linkage)
		if err != nil {
			return linkage, true, err
		}
		if applied {
			return linkage, true, nil
		}
		credit, err = service.store.GetDeviceCredit(ctx, credit.DeviceID)
		if err != nil {
			return linkage, true, err
		}
	}
	return linkage, true, fmt.Errorf("%w: %d attempts", ErrLinkageConflict, maxLinkageAttempts)
}

func planLinkage(credit DeviceCredit, accountID AccountID, email Email, abuseThreshold int) (DeviceLinkage, bool) {
	linkage := DeviceLinkage{
		LinkedAccountID: credit.LinkedAccountID,
		EmailsSeen:      append([]Email(nil), credit.EmailsSeen...),
		AbuseSuspected:  credit.AbuseSuspected,
		Version:         credit.LinkageVersion,
	}
	changed := false
	if !accountID.IsZero() && linkage.LinkedAccountID.IsZero() {
		linkage.LinkedAccountID = accountID
		changed = true
	}
	if !email.IsZero() && !containsEmail(linkage.EmailsSeen, email) {
		linkage.EmailsSeen = append(linkage.EmailsSeen, email)
		changed = true
	}
	if len(linkage.EmailsSeen) > abuseThreshold && !linkage.AbuseSuspected {
		linkage.AbuseSuspected = true
		changed = true
	}
	return linkage, changed
}

func containsEmail(emails []Email, candidate Email) bool {
	for _, email := range emails {
		if email == candidate {
			return true
		}
	}
	return false
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
