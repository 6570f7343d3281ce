package unlock

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
)

// ProductID identifies a gated product.
type ProductID struct {
	value string
}

// DeviceID is the opaque, client-derived device fingerprint.
type DeviceID struct {
	value string
}

// AccountID identifies a signed-in account.
type AccountID struct {
	value string
}

// Email is a normalized email address seen on a device.
type Email struct {
	value string
}

// SubjectKey is the owner of an unlock grant: a device or an account.
type SubjectKey struct {
	value string
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ProductID) IsZero() bool {
	return id.value == ""
}

// NewDeviceID validates and normalizes a device id.
func NewDeviceID(raw string) (DeviceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DeviceID{}, fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	return DeviceID{value: trimmed}, nil
}

// NewOptionalDeviceID returns the zero DeviceID for blank input.
func NewOptionalDeviceID(raw string) (DeviceID, error) {
	if strings.TrimSpace(raw) == "" {
		return DeviceID{}, nil
	}
	return NewDeviceID(raw)
}

// String returns the normalized identifier.
func (id DeviceID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id DeviceID) IsZero() bool {
	return id.value == ""
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// NewOptionalAccountID returns the zero AccountID for blank input.
func NewOptionalAccountID(raw string) (AccountID, error) {
	if strings.TrimSpace(raw) == "" {
		return AccountID{}, nil
	}
	return NewAccountID(raw)
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewEmail validates an address and lower-cases it.
func NewEmail(raw string) (Email, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Email{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	address, err := mail.ParseAddress(trimmed)
	if err != nil || address.Address != trimmed {
		return Email{}, fmt.Errorf("%w: malformed address", ErrInvalidEmail)
	}
	return Email{value: strings.ToLower(trimmed)}, nil
}

// NewOptionalEmail returns the zero Email for blank input.
func NewOptionalEmail(raw string) (Email, error) {
	if strings.TrimSpace(raw) == "" {
		return Email{}, nil
	}
	return NewEmail(raw)
}

// String returns the normalized address.
func (email Email) String() string {
	return email.value
}

// IsZero reports whether the address is unset.
func (email Email) IsZero() bool {
	return email.value == ""
}

// DeviceSubject builds the grant subject for a device.
func DeviceSubject(deviceID DeviceID) SubjectKey {
	return SubjectKey{value: subjectPrefixDevice + subjectKeyDelimiter + deviceID.String()}
}

// AccountSubject builds the grant subject for an account.
func AccountSubject(accountID AccountID) SubjectKey {
	return SubjectKey{value: subjectPrefixAccount + subjectKeyDelimiter + accountID.String()}
}

// ParseSubjectKey parses "device:<id>" or "account:<id>".
func ParseSubjectKey(raw string) (SubjectKey, error) {
	prefix, identifier, found := strings.Cut(strings.TrimSpace(raw), subjectKeyDelimiter)
	if !found {
		return SubjectKey{}, fmt.Errorf("%w: missing prefix in %q", ErrInvalidSubjectKey, raw)
	}
	switch prefix {
	case subjectPrefixDevice:
		deviceID, err := NewDeviceID(identifier)
		if err != nil {
			return SubjectKey{}, fmt.Errorf("%w: %v", ErrInvalidSubjectKey, err)
		}
		return DeviceSubject(deviceID), nil
	case subjectPrefixAccount:
		accountID, err := NewAccountID(identifier)
		if err != nil {
			return SubjectKey{}, fmt.Errorf("%w: %v", ErrInvalidSubjectKey, err)
		}
		return AccountSubject(accountID), nil
	default:
		return SubjectKey{}, fmt.Errorf("%w: unsupported prefix %q", ErrInvalidSubjectKey, prefix)
	}
}

// String returns the serialized subject key.
func (key SubjectKey) String() string {
	return key.value
}

// GrantType records why a subject may view a product.
type GrantType string

const (
	GrantFreeCredit   GrantType = "free_credit"
	GrantSubscription GrantType = "subscription"
	GrantAdmin        GrantType = "admin_grant"
)

// ParseGrantType validates a stored grant type.
func ParseGrantType(raw string) (GrantType, error) {
	switch GrantType(raw) {
	case GrantFreeCredit, GrantSubscription, GrantAdmin:
		return GrantType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGrantType, raw)
	}
}

// String returns the grant type name.
func (grantType GrantType) String() string {
	return string(grantType)
}

// Outcome is the business result of an unlock request.
type Outcome string

const (
	OutcomeUnlocked        Outcome = "unlocked"
	OutcomeAlreadyUnlocked Outcome = "already_unlocked"
	OutcomeUpgradeRequired Outcome = "upgrade_required"
)

// String returns the outcome name.
func (outcome Outcome) String() string {
	return string(outcome)
}

// DeviceCredit is the per-device free credit counter and abuse metadata.
type DeviceCredit struct {
	DeviceID        DeviceID
	CreditsUsed     int64
	IsBanned        bool
	LinkedAccountID AccountID
	EmailsSeen      []Email
	AbuseSuspected  bool
	// LinkageVersion increments on every linkage write.
	LinkageVersion int64
}

// DeviceLinkage is the advisory metadata written when an account or email shows up on a device.
// Version is the LinkageVersion it was planned from.
type DeviceLinkage struct {
	LinkedAccountID AccountID
	EmailsSeen      []Email
	AbuseSuspected  bool
	Version         int64
}

// UnlockGrant records that a subject may view a product. Immutable once written.
type UnlockGrant struct {
	SubjectKey       SubjectKey
	ProductID        ProductID
	GrantType        GrantType
	GrantedAtUnixUTC int64
}

// Product is a catalog entry that can be unlocked.
type Product struct {
	ProductID ProductID
	Title     string
}

// NewProduct validates a catalog entry.
func NewProduct(productID ProductID, title string) (Product, error) {
	if productID.IsZero() {
		return Product{}, fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return Product{}, fmt.Errorf("%w: empty value", ErrInvalidProductTitle)
	}
	return Product{ProductID: productID, Title: trimmedTitle}, nil
}

// UnlockRequest carries the inputs of RequestUnlock. AccountID and Email are optional.
type UnlockRequest struct {
	ProductID    ProductID
	DeviceID     DeviceID
	IsSubscriber bool
	AccountID    AccountID
	Email        Email
}

func (request UnlockRequest) validate() error {
	if request.ProductID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidProductID)
	}
	if request.DeviceID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidDeviceID)
	}
	return nil
}

func (request UnlockRequest) subjects() []SubjectKey {
	subjects := []SubjectKey{DeviceSubject(request.DeviceID)}
	if !request.AccountID.IsZero() {
		subjects = append(subjects, AccountSubject(request.AccountID))
	}
	return subjects
}

// UnlockResult is returned by RequestUnlock and GrantUnlock.
type UnlockResult struct {
	Outcome     Outcome
	Grant       UnlockGrant
	CreditsUsed int64
}

// IsUnlocked reports whether the subject may view the product.
func (result UnlockResult) IsUnlocked() bool {
	return result.Outcome == OutcomeUnlocked || result.Outcome == OutcomeAlreadyUnlocked
}

// AlreadyUnlocked reports whether an earlier grant satisfied the request.
func (result UnlockResult) AlreadyUnlocked() bool {
	return result.Outcome == OutcomeAlreadyUnlocked
}

// StatusQuery carries the inputs of CheckUnlockStatus. At least one of DeviceID and AccountID is required.
type StatusQuery struct {
	ProductID    ProductID
	DeviceID     DeviceID
	AccountID    AccountID
	IsSubscriber bool
}

// UnlockStatus is the read-only view returned by CheckUnlockStatus.
type UnlockStatus struct {
	IsUnlocked bool
	GrantType  GrantType
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateDeviceCredit(ctx context.Context, deviceID DeviceID) (DeviceCredit, error)
	GetDeviceCredit(ctx context.Context, deviceID DeviceID) (DeviceCredit, error)
	// AdjustCreditsUsed atomically adds delta to creditsUsed and returns the new value.
	AdjustCreditsUsed(ctx context.Context, deviceID DeviceID, delta int64) (int64, error)
	// SaveDeviceLinkage writes the linkage only while the stored LinkageVersion still equals linkage.Version.
	SaveDeviceLinkage(ctx context.Context, deviceID DeviceID, linkage DeviceLinkage) (bool, error)
	SetDeviceBanned(ctx context.Context, deviceID DeviceID, banned bool) error
	FindGrant(ctx context.Context, productID ProductID, subjects []SubjectKey) (UnlockGrant, bool, error)
	// CreateGrant inserts the grant unless one exists for (subject, product); it reports whether a row was written.
	CreateGrant(ctx context.Context, grant UnlockGrant) (bool, error)
}

// ProductCatalog answers whether a product may be unlocked.
type ProductCatalog interface {
	ProductExists(ctx context.Context, productID ProductID) (bool, error)
	RegisterProduct(ctx context.Context, product Product) error
}
