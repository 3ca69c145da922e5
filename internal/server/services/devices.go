package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/dbx"
	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/offline"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// MaxErrorMessageLength bounds a single error report.
const MaxErrorMessageLength = 500

// DeviceOnlineRequest is sent by a bin when it (re)starts.
type DeviceOnlineRequest struct {
	DeviceID       int64      `json:"device_id"`
	CallbackURL    string     `json:"callback_url,omitempty"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	// At is when the announcement was accepted.
	At time.Time `json:"at"`
}

// SyncTokenRequest refreshes the device token.
type SyncTokenRequest struct {
	DeviceID       int64      `json:"device_id"`
	Token          string     `json:"token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
}

type UpdateLocationRequest struct {
	DeviceID  int64     `json:"device_id"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	At        time.Time `json:"at"`
}

type ClassificationRequest struct {
	DeviceID   int64    `json:"device_id"`
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	// Image is base64 or a data URL; optional.
	Image string `json:"image,omitempty"`
}

type ErrorReportRequest struct {
	DeviceID int64     `json:"device_id"`
	UserID   string    `json:"user_id,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// DeviceAck is returned to device calls.
type DeviceAck struct {
	WriteResult
	DeviceID       int64
	DeviceName     string
	Status         models.DeviceStatus
	TokenExpiresAt *time.Time
	// TokenSource is "device" when the call carried a token, "none" otherwise.
	TokenSource string
}

// ClassificationAck is returned to a classification report.
type ClassificationAck struct {
	WriteResult
	UserID   string
	Category string
	Awarded  int64
	Points   int64
}

// PollResult tells a device who is using it.
type PollResult struct {
	DeviceName string
	// User is nil when nobody is connected.
	User *ConnectedUser
}

// DeviceService implements the device-facing operations.
type DeviceService struct {
	repomanager repomanager.RepositoryManager
	tokens      *TokenManager
	arbitrator  *ConnectionArbitrator
	queue       offline.Store
	images      ImageArchive
	state       StoreState
	clock       timex.Clock
	logger      logging.Logger
}

func NewDeviceService(m repomanager.RepositoryManager, tokens *TokenManager, arbitrator *ConnectionArbitrator,
	queue offline.Store, images ImageArchive, state StoreState, clock timex.Clock, logger logging.Logger) *DeviceService {
	return &DeviceService{
		repomanager: m,
		tokens:      tokens,
		arbitrator:  arbitrator,
		queue:       queue,
		images:      images,
		state:       state,
		clock:       clock,
		logger:      logger.With("module", "devices"),
	}
}

// RegisterReplayers wires every device intent type into the drainer.
func (s *DeviceService) RegisterReplayers(d *offline.Drainer) {
	d.Register(models.IntentDeviceOnline, replayAs(func(ctx context.Context, _ string, req DeviceOnlineRequest) error {
		_, err := s.deviceOnline(ctx, req)
		return err
	}))
	d.Register(models.IntentSyncToken, replayAs(func(ctx context.Context, _ string, req SyncTokenRequest) error {
		_, err := s.syncToken(ctx, req)
		return err
	}))
	d.Register(models.IntentUpdateLocation, replayAs(func(ctx context.Context, _ string, req UpdateLocationRequest) error {
		_, err := s.updateLocation(ctx, req)
		return err
	}))
	d.Register(models.IntentRecordClassification, replayAs(func(ctx context.Context, intentID string, req ClassificationRequest) error {
		_, err := s.reportClassification(ctx, req, intentID)
		return err
	}))
	d.Register(models.IntentReportError, replayAs(func(ctx context.Context, _ string, req ErrorReportRequest) error {
		return s.reportError(ctx, req)
	}))
}

// replayAs decodes the intent payload into T before calling apply. An
// undecodable payload is a validation error so the drainer discards it.
func replayAs[T any](apply func(ctx context.Context, intentID string, req T) error) offline.Replayer {
	return func(ctx context.Context, intent *models.QueuedIntent) error {
		var req T
		if err := json.Unmarshal(intent.Payload, &req); err != nil {
			return fmt.Errorf("%w: decode %s payload: %v", common.ErrorValidation, intent.Type, err)
		}
		return apply(ctx, intent.ID, req)
	}
}

// DeviceOnline marks the device online, records the callback URL and
// stores the token when one is supplied.
func (s *DeviceService) DeviceOnline(ctx context.Context, req DeviceOnlineRequest) (*DeviceAck, error) {
	if req.DeviceID <= 0 {
		return nil, validationError("device_id is required")
	}
	req.At = s.clock.Now()

	if !s.state.IsOnline() {
		res, err := enqueue(ctx, s.queue, models.IntentDeviceOnline, req)
		if err != nil {
			return nil, err
		}
		return &DeviceAck{WriteResult: *res, DeviceID: req.DeviceID, TokenSource: tokenSource(req.Token)}, nil
	}

	ack, err := s.deviceOnline(ctx, req)
	if err != nil {
		return nil, storeError(s.state, err)
	}
	return ack, nil
}

func (s *DeviceService) deviceOnline(ctx context.Context, req DeviceOnlineRequest) (*DeviceAck, error) {
	var d *models.Device
	err := s.repomanager.Runner().RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		devices := s.repomanager.Devices(tx)
		if err := devices.MarkOnline(ctx, req.DeviceID, req.CallbackURL, req.At); err != nil {
			return err
		}
		if req.Token != "" {
			if _, err := s.tokens.accept(ctx, tx, req.DeviceID, req.Token, req.TokenExpiresAt); err != nil {
				return err
			}
		}
		var err error
		d, err = devices.GetByID(ctx, req.DeviceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error marking device %d online: %w", req.DeviceID, err)
	}

	s.logger.Info(ctx, "device online", "device_id", d.ID, "name", d.Name,
		"token_source", tokenSource(req.Token), "token", logging.TokenPrefix(req.Token))

	return &DeviceAck{
		DeviceID:       d.ID,
		DeviceName:     d.Name,
		Status:         d.Status,
		TokenExpiresAt: d.TokenExpiresAt,
		TokenSource:    tokenSource(req.Token),
	}, nil
}

// SyncToken stores the token the device rotated. Without a token it only
// confirms the device exists.
func (s *DeviceService) SyncToken(ctx context.Context, req SyncTokenRequest) (*DeviceAck, error) {
	if req.DeviceID <= 0 {
		return nil, validationError("device_id is required")
	}

	if !s.state.IsOnline() {
		if req.Token == "" {
			return nil, common.ErrStoreUnavailable
		}
		res, err := enqueue(ctx, s.queue, models.IntentSyncToken, req)
		if err != nil {
			return nil, err
		}
		return &DeviceAck{WriteResult: *res, DeviceID: req.DeviceID, TokenSource: tokenSource(req.Token)}, nil
	}

	ack, err := s.syncToken(ctx, req)
	if err != nil {
		return nil, storeError(s.state, err)
	}
	return ack, nil
}

func (s *DeviceService) syncToken(ctx context.Context, req SyncTokenRequest) (*DeviceAck, error) {
	db := s.repomanager.Conn()

	if req.Token != "" {
		if _, err := s.tokens.accept(ctx, db, req.DeviceID, req.Token, req.TokenExpiresAt); err != nil {
			return nil, fmt.Errorf("error syncing token of device %d: %w", req.DeviceID, err)
		}
	}

	d, err := s.repomanager.Devices(db).GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("error loading device %d: %w", req.DeviceID, err)
	}

	if req.Token != "" {
		s.logger.Info(ctx, "device token synced", "device_id", d.ID, "token", logging.TokenPrefix(req.Token))
	} else {
		s.logger.Debug(ctx, "device token check", "device_id", d.ID)
	}

	return &DeviceAck{
		DeviceID:       d.ID,
		DeviceName:     d.Name,
		Status:         d.Status,
		TokenExpiresAt: d.TokenExpiresAt,
		TokenSource:    tokenSource(req.Token),
	}, nil
}

// UpdateLocation records a position report; a reporting device is online.
func (s *DeviceService) UpdateLocation(ctx context.Context, req UpdateLocationRequest) (*DeviceAck, error) {
	if err := validateLocation(req.DeviceID, req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	req.At = s.clock.Now()

	if !s.state.IsOnline() {
		res, err := enqueue(ctx, s.queue, models.IntentUpdateLocation, req)
		if err != nil {
			return nil, err
		}
		return &DeviceAck{WriteResult: *res, DeviceID: req.DeviceID}, nil
	}

	ack, err := s.updateLocation(ctx, req)
	if err != nil {
		return nil, storeError(s.state, err)
	}
	return ack, nil
}

func validateLocation(deviceID int64, lat, lng *float64) error {
	if deviceID <= 0 {
		return validationError("device_id is required")
	}
	if lat == nil || lng == nil {
		return validationError("latitude and longitude are required")
	}
	if *lat < -90 || *lat > 90 || *lng < -180 || *lng > 180 {
		return validationError("coordinates out of range: %v, %v", *lat, *lng)
	}
	return nil
}

func (s *DeviceService) updateLocation(ctx context.Context, req UpdateLocationRequest) (*DeviceAck, error) {
	if err := validateLocation(req.DeviceID, req.Latitude, req.Longitude); err != nil {
		return nil, err
	}

	db := s.repomanager.Conn()
	devices := s.repomanager.Devices(db)
	if err := devices.UpdateLocation(ctx, req.DeviceID, *req.Latitude, *req.Longitude, req.At); err != nil {
		return nil, fmt.Errorf("error updating location of device %d: %w", req.DeviceID, err)
	}

	d, err := devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("error loading device %d: %w", req.DeviceID, err)
	}

	s.logger.Debug(ctx, "device location updated", "device_id", d.ID, "lat", d.Latitude, "lng", d.Longitude)
	return &DeviceAck{DeviceID: d.ID, DeviceName: d.Name, Status: d.Status}, nil
}

// ReportClassification credits a classification done by the bin to the
// user currently connected to it.
func (s *DeviceService) ReportClassification(ctx context.Context, req ClassificationRequest) (*ClassificationAck, error) {
	if _, err := validateClassification(req); err != nil {
		return nil, err
	}

	if !s.state.IsOnline() {
		res, err := enqueue(ctx, s.queue, models.IntentRecordClassification, req)
		if err != nil {
			return nil, err
		}
		return &ClassificationAck{WriteResult: *res}, nil
	}

	ack, err := s.reportClassification(ctx, req, "")
	if err != nil {
		return nil, storeError(s.state, err)
	}
	return ack, nil
}

func validateClassification(req ClassificationRequest) (Category, error) {
	if req.DeviceID <= 0 {
		return Category{}, validationError("device_id is required")
	}
	if req.Confidence == nil {
		return Category{}, validationError("confidence is required")
	}
	if *req.Confidence < 0 || *req.Confidence > 1 {
		return Category{}, validationError("confidence out of range: %v", *req.Confidence)
	}
	c, ok := NormalizeCategory(req.Category)
	if !ok {
		return Category{}, validationError("unknown category %q", req.Category)
	}
	return c, nil
}

func (s *DeviceService) reportClassification(ctx context.Context, req ClassificationRequest, intentID string) (*ClassificationAck, error) {
	category, err := validateClassification(req)
	if err != nil {
		return nil, err
	}

	img, err := DecodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	db := s.repomanager.Conn()
	if _, err := s.repomanager.Devices(db).GetByID(ctx, req.DeviceID); err != nil {
		return nil, fmt.Errorf("error loading device %d: %w", req.DeviceID, err)
	}

	user, err := s.arbitrator.deviceConnection(ctx, db, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("no user connected to device %d: %w", req.DeviceID, common.ErrorNotFound)
	}

	var ref string
	if img != nil {
		ref, err = s.images.Put(ctx, *img)
		if err != nil {
			s.logger.Warn(ctx, "image archive failed, storing inline", "device_id", req.DeviceID, "error", err)
			ref = DataURL(*img)
		}
	}

	ack := &ClassificationAck{UserID: user.UserID, Category: category.Key}
	err = s.repomanager.Runner().RunInTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		h, err := s.repomanager.Histories(tx).Create(ctx, &models.History{
			UserID:     user.UserID,
			ImageRef:   ref,
			Category:   category.Key,
			Confidence: *req.Confidence,
			Source:     models.SourceDevice,
			IntentID:   intentID,
			CreatedAt:  s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if h.Duplicate {
			return nil
		}

		// the user may have left since the lookup; the report still counts
		touched, err := s.arbitrator.touchIn(ctx, tx, user.UserID, req.DeviceID)
		if err != nil {
			return err
		}
		if !touched {
			s.logger.Debug(ctx, "connection gone before touch", "device_id", req.DeviceID, "user_id", user.UserID)
		}

		total, err := s.repomanager.Users(tx).AddPoints(ctx, user.UserID, category.Points)
		switch {
		case err == nil:
			ack.Awarded = category.Points
			ack.Points = total
		case !isNotFound(err):
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error recording classification: %w", err)
	}

	s.logger.Info(ctx, "classification recorded", "device_id", req.DeviceID, "user_id", user.UserID,
		"category", category.Key, "confidence", *req.Confidence, "awarded", ack.Awarded, "points", ack.Points)
	return ack, nil
}

// ReportError appends a problem report to the device. UserID is set when
// a user, not the device, files it.
func (s *DeviceService) ReportError(ctx context.Context, req ErrorReportRequest) (*WriteResult, error) {
	req.Message = strings.TrimSpace(req.Message)
	if err := validateErrorReport(req); err != nil {
		return nil, err
	}
	req.At = s.clock.Now()

	if !s.state.IsOnline() {
		return enqueue(ctx, s.queue, models.IntentReportError, req)
	}

	if err := s.reportError(ctx, req); err != nil {
		return nil, storeError(s.state, err)
	}
	return &WriteResult{}, nil
}

func validateErrorReport(req ErrorReportRequest) error {
	if req.DeviceID <= 0 {
		return validationError("device_id is required")
	}
	if req.Message == "" {
		return validationError("message is required")
	}
	if len(req.Message) > MaxErrorMessageLength {
		return validationError("message longer than %d bytes", MaxErrorMessageLength)
	}
	return nil
}

func (s *DeviceService) reportError(ctx context.Context, req ErrorReportRequest) error {
	if err := validateErrorReport(req); err != nil {
		return err
	}

	err := s.repomanager.Devices(s.repomanager.Conn()).AppendError(ctx, req.DeviceID, models.DeviceError{
		UserID:     req.UserID,
		Message:    req.Message,
		ReportedAt: req.At,
	})
	if err != nil {
		return fmt.Errorf("error reporting device %d: %w", req.DeviceID, err)
	}

	s.logger.Warn(ctx, "device error reported", "device_id", req.DeviceID, "user_id", req.UserID, "message", req.Message)
	return nil
}

// PollConnection answers the device's periodic "who is using me" query.
func (s *DeviceService) PollConnection(ctx context.Context, deviceID int64) (*PollResult, error) {
	if deviceID <= 0 {
		return nil, validationError("device_id is required")
	}
	if !s.state.IsOnline() {
		return nil, common.ErrStoreUnavailable
	}

	d, err := s.repomanager.Devices(s.repomanager.Conn()).GetByID(ctx, deviceID)
	if err != nil {
		return nil, storeError(s.state, fmt.Errorf("error loading device %d: %w", deviceID, err))
	}

	user, err := s.arbitrator.DeviceConnection(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return &PollResult{DeviceName: d.Name, User: user}, nil
}

func tokenSource(token string) string {
	if token != "" {
		return "device"
	}
	return "none"
}
