package grpcserver

import (
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func boolField(request *structpb.Struct, name string) bool {
	return request.GetFields()[name].GetBoolValue()
}

func numberField(request *structpb.Struct, name string) (float64, bool) {
	value, found := request.GetFields()[name]
	if !found {
		return 0, false
	}
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, false
	}
	return value.GetNumberValue(), true
}

// integerField reads a whole number, returning fallback when the field is absent.
func integerField(request *structpb.Struct, name string, fallback int64) (int64, error) {
	value, found := numberField(request, name)
	if !found {
		if _, present := request.GetFields()[name]; present {
			return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %s", errorInvalidNumericField, name))
		}
		return fallback, nil
	}
	if value != math.Trunc(value) || math.IsInf(value, 0) {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %s", errorInvalidNumericField, name))
	}
	return int64(value), nil
}

func requiredNumberField(request *structpb.Struct, name string) (float64, error) {
	value, found := numberField(request, name)
	if !found || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %s", errorInvalidNumericField, name))
	}
	return value, nil
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("%s: %v", errorResponseEncodingFailed, err))
	}
	return response, nil
}
