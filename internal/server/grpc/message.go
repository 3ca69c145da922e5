package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/dispatch"
	"github.com/dmitrijs2005/smartbin/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads request fields. Numbers may arrive as JSON numbers or as
// strings; a malformed field is reported as InvalidArgument.
type args struct {
	fields map[string]*structpb.Value
}

func argsOf(s *structpb.Struct) args {
	return args{fields: s.GetFields()}
}

func (a args) has(name string) bool {
	v, ok := a.fields[name]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (a args) str(name string) string {
	v, ok := a.fields[name]
	if !ok {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64)
	}
	return ""
}

func (a args) number(name string) (*float64, error) {
	if !a.has(name) {
		return nil, nil
	}
	switch k := a.fields[name].GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		return &f, nil
	case *structpb.Value_StringValue:
		f, err := strconv.ParseFloat(strings.TrimSpace(k.StringValue), 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: not a number", name)
		}
		return &f, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "%s: not a number", name)
}

func (a args) integer(name string) (int64, error) {
	f, err := a.number(name)
	if err != nil || f == nil {
		return 0, err
	}
	if *f != math.Trunc(*f) || math.Abs(*f) > 1<<53 {
		return 0, status.Errorf(codes.InvalidArgument, "%s: not an integer", name)
	}
	return int64(*f), nil
}

func (a args) optionalInt(name string) (*int64, error) {
	if !a.has(name) {
		return nil, nil
	}
	n, err := a.integer(name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// timestamp accepts RFC 3339 strings and unix seconds.
func (a args) timestamp(name string) (*time.Time, error) {
	if !a.has(name) {
		return nil, nil
	}
	switch k := a.fields[name].GetKind().(type) {
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(k.StringValue))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: not an RFC 3339 time", name)
		}
		return &t, nil
	case *structpb.Value_NumberValue:
		sec, frac := math.Modf(k.NumberValue)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		return &t, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "%s: not a time", name)
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeValue(*t)
}

func reply(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func writeFields(m map[string]any, w services.WriteResult) map[string]any {
	m["queued"] = w.Queued
	if w.Queued && w.Intent != nil {
		m["intent_id"] = w.Intent.ID
		m["message"] = "store unavailable, request queued for replay"
	}
	return m
}

func connectedUserValue(u *services.ConnectedUser) any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"user_id":        u.UserID,
		"username":       u.UserName,
		"points":         u.Points,
		"connected_at":   timeValue(u.ConnectedAt),
		"last_active_at": timeValue(u.LastActiveAt),
	}
}

// toStatus maps service errors to gRPC status codes. Unclassified errors
// become Internal without leaking their text.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, common.ErrorValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, common.ErrorNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case dbx.IsUnavailable(err), errors.Is(err, dispatch.ErrQueueClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

func missing(name string) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf("%s is required", name))
}
