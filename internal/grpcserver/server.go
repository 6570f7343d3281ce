package grpcserver

import (
	"context"
	"fmt"

	gatev1 "github.com/MarkoPoloResearchLab/labgate/api/gate/v1"
	"github.com/MarkoPoloResearchLab/labgate/pkg/demand"
	"github.com/MarkoPoloResearchLab/labgate/pkg/unlock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultRankLimit = 50
	maxRankLimit     = 200
)

// GateServiceServer exposes the unlock and demand services over gRPC.
type GateServiceServer struct {
	gatev1.UnimplementedGateServiceServer
	unlockService *unlock.Service
	demandService *demand.Service
}

// NewGateServiceServer constructs a gRPC server for both domain services.
func NewGateServiceServer(unlockService *unlock.Service, demandService *demand.Service) *GateServiceServer {
	return &GateServiceServer{unlockService: unlockService, demandService: demandService}
}

func (service *GateServiceServer) RequestUnlock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productID, err := unlock.NewProductID(stringField(request, gatev1.FieldProductID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	deviceID, err := unlock.NewDeviceID(stringField(request, gatev1.FieldDeviceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	accountID, err := unlock.NewOptionalAccountID(stringField(request, gatev1.FieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	email, err := unlock.NewOptionalEmail(stringField(request, gatev1.FieldEmail))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.unlockService.RequestUnlock(ctx, unlock.UnlockRequest{
		ProductID:    productID,
		DeviceID:     deviceID,
		IsSubscriber: boolField(request, gatev1.FieldIsSubscriber),
		AccountID:    accountID,
		Email:        email,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(unlockResultFields(result))
}

func (service *GateServiceServer) CheckUnlockStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productID, err := unlock.NewProductID(stringField(request, gatev1.FieldProductID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	deviceID, err := unlock.NewOptionalDeviceID(stringField(request, gatev1.FieldDeviceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	accountID, err := unlock.NewOptionalAccountID(stringField(request, gatev1.FieldAccountID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	unlockStatus, operationError := service.unlockService.CheckUnlockStatus(ctx, unlock.StatusQuery{
		ProductID:    productID,
		DeviceID:     deviceID,
		AccountID:    accountID,
		IsSubscriber: boolField(request, gatev1.FieldIsSubscriber),
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		gatev1.FieldIsUnlocked: unlockStatus.IsUnlocked,
		gatev1.FieldGrantType:  unlockStatus.GrantType.String(),
	})
}

func (service *GateServiceServer) GrantUnlock(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productID, err := unlock.NewProductID(stringField(request, gatev1.FieldProductID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	subject, err := unlock.ParseSubjectKey(stringField(request, gatev1.FieldSubjectKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.unlockService.GrantUnlock(ctx, productID, subject)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(unlockResultFields(result))
}

func (service *GateServiceServer) SetDeviceBan(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := unlock.NewDeviceID(stringField(request, gatev1.FieldDeviceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.unlockService.SetDeviceBan(ctx, deviceID, boolField(request, gatev1.FieldBanned)); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	credit, operationError := service.unlockService.GetDeviceCredit(ctx, deviceID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(deviceCreditFields(credit))
}

func (service *GateServiceServer) GetDeviceCredit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := unlock.NewDeviceID(stringField(request, gatev1.FieldDeviceID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	credit, operationError := service.unlockService.GetDeviceCredit(ctx, deviceID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(deviceCreditFields(credit))
}

func (service *GateServiceServer) RegisterProduct(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productID, err := unlock.NewProductID(stringField(request, gatev1.FieldProductID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	product, err := unlock.NewProduct(productID, stringField(request, gatev1.FieldTitle))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.unlockService.RegisterProduct(ctx, product); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		gatev1.FieldProductID: product.ProductID.String(),
		gatev1.FieldTitle:     product.Title,
	})
}

func (service *GateServiceServer) RecordSignal(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	kind, err := demand.ParseSignalKind(stringField(request, gatev1.FieldSignalType))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	fingerprint, err := demand.NewOptionalFingerprint(stringField(request, gatev1.FieldFingerprint))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	count, err := integerField(request, gatev1.FieldCount, 1)
	if err != nil {
		return nil, err
	}
	snapshot, operationError := service.demandService.RecordSignal(ctx, demand.Signal{
		ProductKey:       productKey,
		Kind:             kind,
		Fingerprint:      fingerprint,
		IsVerifiedMember: boolField(request, gatev1.FieldIsVerifiedMember),
		Count:            count,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) GetDemand(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	snapshot, operationError := service.demandService.GetDemand(ctx, productKey)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) HasVoted(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	fingerprint, err := demand.NewFingerprint(stringField(request, gatev1.FieldFingerprint))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	hasVoted, operationError := service.demandService.HasVoted(ctx, productKey, fingerprint)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{gatev1.FieldHasVoted: hasVoted})
}

func (service *GateServiceServer) AdvanceStatus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	target, err := demand.ParseStatus(stringField(request, gatev1.FieldStatus))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	snapshot, operationError := service.demandService.AdvanceStatus(ctx, productKey, target)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) CorrectScore(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	score, err := requiredNumberField(request, gatev1.FieldScore)
	if err != nil {
		return nil, err
	}
	snapshot, operationError := service.demandService.CorrectScore(ctx, productKey, score)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) SetFundingThreshold(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	threshold, err := requiredNumberField(request, gatev1.FieldFundingThreshold)
	if err != nil {
		return nil, err
	}
	snapshot, operationError := service.demandService.SetFundingThreshold(ctx, productKey, threshold)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) RefreshDerived(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	snapshot, operationError := service.demandService.RefreshDerived(ctx, productKey)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(snapshotFields(snapshot))
}

func (service *GateServiceServer) Archive(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	productKey, err := demand.NewProductKey(stringField(request, gatev1.FieldProductKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if operationError := service.demandService.Archive(ctx, productKey); operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		gatev1.FieldProductKey: productKey.String(),
		gatev1.FieldArchived:   true,
	})
}

func (service *GateServiceServer) RankQueue(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	requested, err := integerField(request, gatev1.FieldLimit, 0)
	if err != nil {
		return nil, err
	}
	limit, err := normalizeRankLimit(requested)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidRankLimit)
	}
	ranked, operationError := demand.CollectRanked(service.demandService.RankQueue(ctx, limit))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	items := make([]any, 0, len(ranked))
	for _, entry := range ranked {
		items = append(items, map[string]any{
			gatev1.FieldProductKey:    entry.ProductKey.String(),
			gatev1.FieldUrgency:       entry.Urgency.String(),
			gatev1.FieldVelocityScore: entry.VelocityScore,
		})
	}
	return newResponse(map[string]any{gatev1.FieldItems: items})
}

func normalizeRankLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultRankLimit, nil
	}
	if limit > maxRankLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxRankLimit)
	}
	return int(limit), nil
}

func unlockResultFields(result unlock.UnlockResult) map[string]any {
	return map[string]any{
		gatev1.FieldOutcome:          result.Outcome.String(),
		gatev1.FieldIsUnlocked:       result.IsUnlocked(),
		gatev1.FieldGrantType:        result.Grant.GrantType.String(),
		gatev1.FieldSubjectKey:       result.Grant.SubjectKey.String(),
		gatev1.FieldGrantedAtUnixUTC: result.Grant.GrantedAtUnixUTC,
		gatev1.FieldCreditsUsed:      result.CreditsUsed,
	}
}

func deviceCreditFields(credit unlock.DeviceCredit) map[string]any {
	emails := make([]any, 0, len(credit.EmailsSeen))
	for _, email := range credit.EmailsSeen {
		emails = append(emails, email.String())
	}
	return map[string]any{
		gatev1.FieldDeviceID:        credit.DeviceID.String(),
		gatev1.FieldCreditsUsed:     credit.CreditsUsed,
		gatev1.FieldIsBanned:        credit.IsBanned,
		gatev1.FieldLinkedAccountID: credit.LinkedAccountID.String(),
		gatev1.FieldEmailsSeen:      emails,
		gatev1.FieldAbuseSuspected:  credit.AbuseSuspected,
	}
}

func snapshotFields(snapshot demand.DemandSnapshot) map[string]any {
	record := snapshot.Record
	history := make([]any, 0, len(snapshot.History))
	for _, change := range snapshot.History {
		history = append(history, map[string]any{
			gatev1.FieldFrom:             change.From.String(),
			gatev1.FieldTo:               change.To.String(),
			gatev1.FieldChangedAtUnixUTC: change.ChangedAtUnixUTC,
		})
	}
	return map[string]any{
		gatev1.FieldProductKey:         record.ProductKey.String(),
		gatev1.FieldWeightedScore:      record.WeightedScore,
		gatev1.FieldSearchSignals:      record.SearchSignals,
		gatev1.FieldPossessionSignals:  record.PossessionSignals,
		gatev1.FieldVerifiedSignals:    record.VerifiedPossessionSignals,
		gatev1.FieldPhotoSignals:       record.PhotoSignals,
		gatev1.FieldDistinctVoters:     record.DistinctVoters,
		gatev1.FieldFundingThreshold:   record.FundingThreshold,
		gatev1.FieldFundingProgressPct: snapshot.FundingProgressPct,
		gatev1.FieldStatus:             record.Status.String(),
		gatev1.FieldThresholdReachedAt: record.ThresholdReachedAtUnixUTC,
		gatev1.FieldVelocityScore:      record.VelocityScore,
		gatev1.FieldUrgency:            record.Urgency.String(),
		gatev1.FieldScansLast24h:       record.ScansLast24h,
		gatev1.FieldScansLast7d:        record.ScansLast7d,
		gatev1.FieldArchived:           record.Archived,
		gatev1.FieldHistory:            history,
		gatev1.FieldNewVoter:           snapshot.NewVoter,
		gatev1.FieldTransitioned:       snapshot.Transitioned,
	}
}
