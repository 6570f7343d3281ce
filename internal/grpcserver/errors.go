package grpcserver

import (
	"errors"

	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorProductNotFound         = "product_not_found"
	errorUnknownDevice           = "unknown_device"
	errorDeviceBanned            = "device_banned"
	errorInvalidProductID        = "invalid_product_id"
	errorInvalidDeviceID         = "invalid_device_id"
	errorInvalidAccountID        = "invalid_account_id"
	errorInvalidEmail            = "invalid_email"
	errorInvalidSubjectKey       = "invalid_subject_key"
	errorInvalidGrantType        = "invalid_grant_type"
	errorInvalidProductTitle     = "invalid_product_title"
	errorDemandNotFound          = "demand_not_found"
	errorInvalidProductKey       = "invalid_product_key"
	errorInvalidFingerprint      = "invalid_fingerprint"
	errorInvalidSignalType       = "invalid_signal_type"
	errorInvalidSignalCount      = "invalid_signal_count"
	errorInvalidStatus           = "invalid_status"
	errorInvalidStatusTransition = "invalid_status_transition"
	errorInvalidScore            = "invalid_score"
	errorInvalidFundingThreshold = "invalid_funding_threshold"
	errorNotArchivable           = "not_archivable"
	errorInvalidRankLimit        = "invalid_rank_limit"
	errorInvalidNumericField     = "invalid_numeric_field"
	errorResponseEncodingFailed  = "response_encoding_failed"
)

type errorMapping struct {
	target  error
	code    codes.Code
	message string
}

var errorMappings = []errorMapping{
	{target: unlock.ErrProductNotFound, code: codes.NotFound, message: errorProductNotFound},
	{target: unlock.ErrUnknownDevice, code: codes.NotFound, message: errorUnknownDevice},
	{target: unlock.ErrDeviceBanned, code: codes.PermissionDenied, message: errorDeviceBanned},
	{target: unlock.ErrInvalidProductID, code: codes.InvalidArgument, message: errorInvalidProductID},
	{target: unlock.ErrInvalidDeviceID, code: codes.InvalidArgument, message: errorInvalidDeviceID},
	{target: unlock.ErrInvalidAccountID, code: codes.InvalidArgument, message: errorInvalidAccountID},
	{target: unlock.ErrInvalidEmail, code: codes.InvalidArgument, message: errorInvalidEmail},
	{target: unlock.ErrInvalidSubjectKey, code: codes.InvalidArgument, message: errorInvalidSubjectKey},
	{target: unlock.ErrInvalidGrantType, code: codes.InvalidArgument, message: errorInvalidGrantType},
	{target: unlock.ErrInvalidProductTitle, code: codes.InvalidArgument, message: errorInvalidProductTitle},
	{target: demand.ErrDemandNotFound, code: codes.NotFound, message: errorDemandNotFound},
	{target: demand.ErrInvalidProductKey, code: codes.InvalidArgument, message: errorInvalidProductKey},
	{target: demand.ErrInvalidFingerprint, code: codes.InvalidArgument, message: errorInvalidFingerprint},
	{target: demand.ErrInvalidSignalType, code: codes.InvalidArgument, message: errorInvalidSignalType},
	{target: demand.ErrInvalidSignalCount, code: codes.InvalidArgument, message: errorInvalidSignalCount},
	{target: demand.ErrInvalidStatus, code: codes.InvalidArgument, message: errorInvalidStatus},
	{target: demand.ErrInvalidStatusTransition, code: codes.FailedPrecondition, message: errorInvalidStatusTransition},
	{target: demand.ErrInvalidScore, code: codes.InvalidArgument, message: errorInvalidScore},
	{target: demand.ErrInvalidFundingThreshold, code: codes.InvalidArgument, message: errorInvalidFundingThreshold},
	{target: demand.ErrNotArchivable, code: codes.FailedPrecondition, message: errorNotArchivable},
}

func mapToGRPCError(source error) error {
	if _, isStatus := status.FromError(source); isStatus {
		return source
	}
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.target) {
			return status.Error(mapping.code, mapping.message)
		}
	}
	return status.Error(codes.Internal, source.Error())
}
