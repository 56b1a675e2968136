package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/errs"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// reply wraps toStruct with the status mapping the handlers need.
func reply(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func str(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

var kindCodes = map[errs.Kind]codes.Code{
	errs.Validation: codes.InvalidArgument,
	errs.NotFound:   codes.NotFound,
	errs.Auth:       codes.Unauthenticated,
	errs.Conflict:   codes.FailedPrecondition,
	errs.Network:    codes.Unavailable,
	errs.Timeout:    codes.DeadlineExceeded,
	errs.Storage:    codes.DataLoss,
	errs.Internal:   codes.Internal,
}

// toStatus maps a domain error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code, ok := kindCodes[errs.KindOf(err)]
	if !ok {
		code = codes.Unknown
	}
	return grpcstatus.Error(code, err.Error())
}

// fromStatus maps a gRPC status back onto a domain error.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return errs.E(errs.Network, op, err)
	}
	for kind, code := range kindCodes {
		if code == st.Code() {
			return errs.E(kind, op, errors.New(st.Message()))
		}
	}
	if st.Code() == codes.Canceled {
		return errs.E(errs.Timeout, op, errors.New(st.Message()))
	}
	return errs.E(errs.Internal, op, errors.New(st.Message()))
}
