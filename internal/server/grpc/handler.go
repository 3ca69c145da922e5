package grpc

import (
	"context"

	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/services"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *GRPCServer) Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	online := s.store == nil || s.store.IsOnline()
	return reply(map[string]any{"status": "OK", "store_online": online})
}

func deviceSummaryValue(d models.DeviceSummary) map[string]any {
	m := map[string]any{
		"id":          d.ID,
		"name":        d.Name,
		"description": d.Description,
		"latitude":    d.Latitude,
		"longitude":   d.Longitude,
		"image":       d.Image,
		"type":        d.Type,
		"review":      d.Reviewed,
		"created_at":  timeValue(d.CreatedAt),
	}
	if d.PendingIntentID != "" {
		m["pending_intent_id"] = d.PendingIntentID
	}
	return m
}

func (s *GRPCServer) ListDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	page, err := a.integer("page")
	if err != nil {
		return nil, err
	}
	pageSize, err := a.integer("page_size")
	if err != nil {
		return nil, err
	}

	list, err := s.bins.ListDevices(ctx, int(page), int(pageSize))
	if err != nil {
		return nil, toStatus(err)
	}

	devices := make([]any, 0, len(list.Devices))
	for _, d := range list.Devices {
		devices = append(devices, deviceSummaryValue(d))
	}

	return reply(map[string]any{
		"devices":     devices,
		"total":       list.Total,
		"page":        list.Page,
		"page_size":   list.PageSize,
		"total_pages": list.TotalPages,
		"cached":      list.Cached,
	})
}

func (s *GRPCServer) AddDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	lat, err := a.number("latitude")
	if err != nil {
		return nil, err
	}
	lng, err := a.number("longitude")
	if err != nil {
		return nil, err
	}

	res, err := s.bins.AddDevice(ctx, services.AddDeviceRequest{
		Name:        a.str("name"),
		Description: a.str("description"),
		Latitude:    lat,
		Longitude:   lng,
		Image:       a.str("image"),
		Type:        a.str("type"),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(writeFields(map[string]any{"device": deviceSummaryValue(res.Device)}, res.WriteResult))
}

func deviceAckValue(ack *services.DeviceAck) map[string]any {
	m := map[string]any{
		"device_id": ack.DeviceID,
		"name":      ack.DeviceName,
		"status":    string(ack.Status),
	}
	if ack.TokenSource != "" {
		m["token_source"] = ack.TokenSource
	}
	if ack.TokenExpiresAt != nil {
		m["token_expires_at"] = timePtrValue(ack.TokenExpiresAt)
	}
	return writeFields(m, ack.WriteResult)
}

func (s *GRPCServer) DeviceOnline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}
	expires, err := a.timestamp("token_expires_at")
	if err != nil {
		return nil, err
	}

	ack, err := s.devices.DeviceOnline(ctx, services.DeviceOnlineRequest{
		DeviceID:       deviceID,
		CallbackURL:    a.str("callback_url"),
		Token:          a.str("token"),
		TokenExpiresAt: expires,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(deviceAckValue(ack))
}

func (s *GRPCServer) SyncToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}
	expires, err := a.timestamp("token_expires_at")
	if err != nil {
		return nil, err
	}

	ack, err := s.devices.SyncToken(ctx, services.SyncTokenRequest{
		DeviceID:       deviceID,
		Token:          a.str("token"),
		TokenExpiresAt: expires,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(deviceAckValue(ack))
}

func (s *GRPCServer) UpdateLocation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}
	lat, err := a.number("latitude")
	if err != nil {
		return nil, err
	}
	lng, err := a.number("longitude")
	if err != nil {
		return nil, err
	}

	ack, err := s.devices.UpdateLocation(ctx, services.UpdateLocationRequest{
		DeviceID:  deviceID,
		Latitude:  lat,
		Longitude: lng,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(deviceAckValue(ack))
}

func (s *GRPCServer) ReportClassification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}
	confidence, err := a.number("confidence")
	if err != nil {
		return nil, err
	}

	ack, err := s.devices.ReportClassification(ctx, services.ClassificationRequest{
		DeviceID:   deviceID,
		Category:   a.str("category"),
		Confidence: confidence,
		Image:      a.str("image"),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	m := map[string]any{}
	if !ack.Queued {
		m["user_id"] = ack.UserID
		m["category"] = ack.Category
		m["points_awarded"] = ack.Awarded
		m["points"] = ack.Points
	}
	return reply(writeFields(m, ack.WriteResult))
}

func (s *GRPCServer) ReportError(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}

	res, err := s.devices.ReportError(ctx, services.ErrorReportRequest{
		DeviceID: deviceID,
		UserID:   UserIDFromContext(ctx),
		Message:  a.str("message"),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(writeFields(map[string]any{}, *res))
}

func (s *GRPCServer) PollConnection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := argsOf(req).integer("device_id")
	if err != nil {
		return nil, err
	}

	res, err := s.devices.PollConnection(ctx, deviceID)
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(map[string]any{
		"device_name": res.DeviceName,
		"has_user":    res.User != nil,
		"user":        connectedUserValue(res.User),
	})
}

func (s *GRPCServer) DisconnectAllUsers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := argsOf(req).integer("device_id")
	if err != nil {
		return nil, err
	}

	evicted, err := s.connections.DisconnectAll(ctx, deviceID)
	if err != nil {
		return nil, toStatus(err)
	}

	users := make([]any, 0, len(evicted))
	for i := range evicted {
		users = append(users, connectedUserValue(&evicted[i]))
	}

	return reply(map[string]any{"count": len(evicted), "users": users})
}

func connectionValue(c *models.Connection) map[string]any {
	return map[string]any{
		"connection_id":  c.ID,
		"device_id":      c.DeviceID,
		"connected_at":   timeValue(c.ConnectedAt),
		"last_active_at": timeValue(c.LastActiveAt),
	}
}

func (s *GRPCServer) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	deviceID, err := a.integer("device_id")
	if err != nil {
		return nil, err
	}
	token := a.str("token")
	if token == "" {
		return nil, missing("token")
	}

	conn, err := s.connections.Connect(ctx, UserIDFromContext(ctx), deviceID, token)
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(connectionValue(conn))
}

func (s *GRPCServer) ClaimDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := argsOf(req).integer("device_id")
	if err != nil {
		return nil, err
	}

	conn, err := s.connections.ConnectIfAbsent(ctx, UserIDFromContext(ctx), deviceID)
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(connectionValue(conn))
}

func (s *GRPCServer) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID, err := argsOf(req).optionalInt("device_id")
	if err != nil {
		return nil, err
	}

	n, err := s.connections.Disconnect(ctx, UserIDFromContext(ctx), deviceID)
	if err != nil {
		return nil, toStatus(err)
	}

	return reply(map[string]any{"removed": n})
}

func (s *GRPCServer) ListMyDevices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.connections.UserDevices(ctx, UserIDFromContext(ctx))
	if err != nil {
		return nil, toStatus(err)
	}

	devices := make([]any, 0, len(res.Devices))
	for _, d := range res.Devices {
		devices = append(devices, map[string]any{
			"device_id":      d.DeviceID,
			"name":           d.DeviceName,
			"latitude":       d.Latitude,
			"longitude":      d.Longitude,
			"connected_at":   timeValue(d.ConnectedAt),
			"last_active_at": timeValue(d.LastActiveAt),
		})
	}

	return reply(map[string]any{"devices": devices, "points": res.Points})
}

func (s *GRPCServer) Recognize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	img, err := services.DecodeImage(a.str("image"))
	if err != nil {
		return nil, toStatus(err)
	}
	if img == nil {
		return nil, missing("image")
	}

	userID := UserIDFromContext(ctx)
	res, err := s.recognition.Recognize(ctx, userID, img.Data, a.str("filename"))
	if err != nil {
		return nil, toStatus(err)
	}

	labels := make([]any, 0, len(res.Labels))
	for _, l := range res.Labels {
		box := make([]any, 0, len(l.Box))
		for _, v := range l.Box {
			box = append(box, v)
		}
		labels = append(labels, map[string]any{
			"class":      l.Class,
			"name":       l.Name,
			"describe":   l.Describe,
			"confidence": l.Confidence,
			"box":        box,
		})
	}

	m := map[string]any{
		"labels":          labels,
		"result_image":    res.ResultImage,
		"output_filename": res.OutputFilename,
	}
	if res.Points != nil {
		m["points"] = map[string]any{
			"awarded":             res.Points.Awarded,
			"total":               res.Points.Total,
			"daily_count":         res.Points.DailyCount,
			"daily_limit":         res.Points.DailyLimit,
			"reached_daily_limit": res.Points.ReachedDailyLimit,
		}
	}

	s.logger.Info(ctx, "recognize", "user_id", userID, "labels", len(res.Labels))
	return reply(m)
}
