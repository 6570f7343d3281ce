package unlock

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const (
	fixtureClock int64 = 1700000000
)

type stubStore struct {
	mutex    sync.Mutex
	credits  map[DeviceID]*DeviceCredit
	grants   map[string]UnlockGrant
	products map[ProductID]Product

	linkageError error
	createError  error
	adjustCalls  int
	// beforeLinkage runs once, outside the lock, ahead of the next linkage write.
	beforeLinkage func()
}

func newStubStore(test *testing.T, productIDs ...string) *stubStore {
	test.Helper()
	store := &stubStore{
		credits:  make(map[DeviceID]*DeviceCredit),
		grants:   make(map[string]UnlockGrant),
		products: make(map[ProductID]Product),
	}
	for _, raw := range productIDs {
		productID := mustProductID(test, raw)
		store.products[productID] = Product{ProductID: productID, Title: raw}
	}
	return store
}

func grantKey(subject SubjectKey, productID ProductID) string {
	return subject.String() + "|" + productID.String()
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateDeviceCredit(_ context.Context, deviceID DeviceID) (DeviceCredit, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credit, ok := store.credits[deviceID]
	if !ok {
		credit = &DeviceCredit{DeviceID: deviceID}
		store.credits[deviceID] = credit
	}
	return copyCredit(*credit), nil
}

func (store *stubStore) GetDeviceCredit(_ context.Context, deviceID DeviceID) (DeviceCredit, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credit, ok := store.credits[deviceID]
	if !ok {
		return DeviceCredit{}, ErrUnknownDevice
	}
	return copyCredit(*credit), nil
}

func (store *stubStore) AdjustCreditsUsed(_ context.Context, deviceID DeviceID, delta int64) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.adjustCalls++
	credit, ok := store.credits[deviceID]
	if !ok {
		return 0, ErrUnknownDevice
	}
	if credit.CreditsUsed+delta < 0 {
		return credit.CreditsUsed, ErrCreditUnderflow
	}
	credit.CreditsUsed += delta
	return credit.CreditsUsed, nil
}

func (store *stubStore) SaveDeviceLinkage(_ context.Context, deviceID DeviceID, linkage DeviceLinkage) (bool, error) {
	store.mutex.Lock()
	hook := store.beforeLinkage
	store.beforeLinkage = nil
	store.mutex.Unlock()
	if hook != nil {
		hook()
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.linkageError != nil {
		return false, store.linkageError
	}
	credit, ok := store.credits[deviceID]
	if !ok {
		return false, ErrUnknownDevice
	}
	if credit.LinkageVersion != linkage.Version {
		return false, nil
	}
	if credit.LinkedAccountID.IsZero() {
		credit.LinkedAccountID = linkage.LinkedAccountID
	}
	credit.EmailsSeen = append([]Email(nil), linkage.EmailsSeen...)
	credit.AbuseSuspected = linkage.AbuseSuspected
	credit.LinkageVersion++
	return true, nil
}

func (store *stubStore) SetDeviceBanned(_ context.Context, deviceID DeviceID, banned bool) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credit, ok := store.credits[deviceID]
	if !ok {
		return ErrUnknownDevice
	}
	credit.IsBanned = banned
	return nil
}

func (store *stubStore) FindGrant(_ context.Context, productID ProductID, subjects []SubjectKey) (UnlockGrant, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, subject := range subjects {
		if grant, ok := store.grants[grantKey(subject, productID)]; ok {
			return grant, true, nil
		}
	}
	return UnlockGrant{}, false, nil
}

func (store *stubStore) CreateGrant(_ context.Context, grant UnlockGrant) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createError != nil {
		return false, store.createError
	}
	key := grantKey(grant.SubjectKey, grant.ProductID)
	if _, exists := store.grants[key]; exists {
		return false, nil
	}
	store.grants[key] = grant
	return true, nil
}

func (store *stubStore) ProductExists(_ context.Context, productID ProductID) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, ok := store.products[productID]
	return ok, nil
}

func (store *stubStore) RegisterProduct(_ context.Context, product Product) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.products[product.ProductID] = product
	return nil
}

func (store *stubStore) mustCredit(test *testing.T, deviceID DeviceID) DeviceCredit {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credit, ok := store.credits[deviceID]
	if !ok {
		test.Fatalf("device %s not found", deviceID.String())
	}
	return copyCredit(*credit)
}

func (store *stubStore) grantCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.grants)
}

func copyCredit(credit DeviceCredit) DeviceCredit {
	credit.EmailsSeen = append([]Email(nil), credit.EmailsSeen...)
	return credit
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

var errStoreUnavailable = errors.New("store unavailable")

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, store, func() int64 { return fixtureClock }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	productID, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return productID
}

func mustDeviceID(test *testing.T, raw string) DeviceID {
	test.Helper()
	deviceID, err := NewDeviceID(raw)
	if err != nil {
		test.Fatalf("device id: %v", err)
	}
	return deviceID
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustEmail(test *testing.T, raw string) Email {
	test.Helper()
	email, err := NewEmail(raw)
	if err != nil {
		test.Fatalf("email: %v", err)
	}
	return email
}
