package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/dmitrijs2005/smartbin/internal/server/offline"
	"github.com/dmitrijs2005/smartbin/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	maxDeviceNameLength        = 50
	maxDeviceDescriptionLength = 200
	defaultDeviceType          = "normal"
)

// AddDeviceRequest registers a new bin; it stays unreviewed until an
// operator approves it.
type AddDeviceRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Latitude    *float64  `json:"latitude"`
	Longitude   *float64  `json:"longitude"`
	Image       string    `json:"image,omitempty"`
	Type        string    `json:"type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeviceList is one page of the public device list.
type DeviceList struct {
	Devices    []models.DeviceSummary
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
	// Cached is true when the list came from the offline cache.
	Cached bool
}

// AddDeviceResult carries the new device, or the optimistic entry put in
// the cache while the store is unreachable.
type AddDeviceResult struct {
	WriteResult
	Device models.DeviceSummary
}

// BinService serves the public device list and self-registration.
type BinService struct {
	repomanager repomanager.RepositoryManager
	queue       offline.Store
	state       StoreState
	clock       timex.Clock
	logger      logging.Logger
}

func NewBinService(m repomanager.RepositoryManager, queue offline.Store, state StoreState,
	clock timex.Clock, logger logging.Logger) *BinService {
	return &BinService{
		repomanager: m,
		queue:       queue,
		state:       state,
		clock:       clock,
		logger:      logger.With("module", "bins"),
	}
}

func (s *BinService) RegisterReplayers(d *offline.Drainer) {
	d.Register(models.IntentAddDevice, replayAs(func(ctx context.Context, intentID string, req AddDeviceRequest) error {
		_, err := s.addDevice(ctx, req, intentID)
		return err
	}))
}

// ListDevices returns reviewed devices, newest first. Online reads refresh
// the offline cache; while the store is unreachable the cache is served
// as a single page.
func (s *BinService) ListDevices(ctx context.Context, page, pageSize int) (*DeviceList, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	if !s.state.IsOnline() {
		cached, err := s.queue.CachedReads(ctx)
		if err != nil {
			return nil, fmt.Errorf("error reading cached devices: %w", err)
		}
		return &DeviceList{
			Devices:    cached,
			Total:      int64(len(cached)),
			Page:       1,
			PageSize:   len(cached),
			TotalPages: 1,
			Cached:     true,
		}, nil
	}

	rows, total, err := s.repomanager.Devices(s.repomanager.Conn()).ListReviewed(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, storeError(s.state, fmt.Errorf("error listing devices: %w", err))
	}

	list := make([]models.DeviceSummary, 0, len(rows))
	for _, d := range rows {
		list = append(list, d.Summary())
	}

	if err := s.queue.SetCachedReads(ctx, list); err != nil {
		s.logger.Warn(ctx, "refreshing device cache failed", "error", err)
	}

	return &DeviceList{
		Devices:    list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

// AddDevice registers an unreviewed device.
func (s *BinService) AddDevice(ctx context.Context, req AddDeviceRequest) (*AddDeviceResult, error) {
	req, err := normalizeAddDevice(req)
	if err != nil {
		return nil, err
	}
	req.CreatedAt = s.clock.Now()

	if !s.state.IsOnline() {
		res, err := enqueue(ctx, s.queue, models.IntentAddDevice, req)
		if err != nil {
			return nil, err
		}

		entry := models.DeviceSummary{
			Name:            req.Name,
			Description:     req.Description,
			Latitude:        *req.Latitude,
			Longitude:       *req.Longitude,
			Image:           req.Image,
			Type:            req.Type,
			CreatedAt:       req.CreatedAt,
			PendingIntentID: res.Intent.ID,
		}
		err = s.queue.UpdateCachedReads(ctx, func(list []models.DeviceSummary) []models.DeviceSummary {
			return slices.Insert(list, 0, entry)
		})
		if err != nil {
			s.logger.Warn(ctx, "adding queued device to cache failed", "intent_id", res.Intent.ID, "error", err)
		}

		return &AddDeviceResult{WriteResult: *res, Device: entry}, nil
	}

	d, err := s.addDevice(ctx, req, "")
	if err != nil {
		return nil, storeError(s.state, err)
	}
	return &AddDeviceResult{Device: d.Summary()}, nil
}

func normalizeAddDevice(req AddDeviceRequest) (AddDeviceRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return req, validationError("name is required")
	}
	if utf8.RuneCountInString(req.Name) > maxDeviceNameLength {
		return req, validationError("name longer than %d characters", maxDeviceNameLength)
	}
	if utf8.RuneCountInString(req.Description) > maxDeviceDescriptionLength {
		return req, validationError("description longer than %d characters", maxDeviceDescriptionLength)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return req, validationError("latitude and longitude are required")
	}
	if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
		return req, validationError("coordinates out of range: %v, %v", *req.Latitude, *req.Longitude)
	}
	if req.Type == "" {
		req.Type = defaultDeviceType
	}
	return req, nil
}

func (s *BinService) addDevice(ctx context.Context, req AddDeviceRequest, intentID string) (*models.Device, error) {
	req, err := normalizeAddDevice(req)
	if err != nil {
		return nil, err
	}

	d, err := s.repomanager.Devices(s.repomanager.Conn()).Create(ctx, &models.Device{
		Name:        req.Name,
		Description: req.Description,
		Latitude:    *req.Latitude,
		Longitude:   *req.Longitude,
		ImagePath:   req.Image,
		Type:        req.Type,
		Reviewed:    false,
		Status:      models.DeviceOffline,
	}, intentID)
	if err != nil {
		return nil, fmt.Errorf("error creating device: %w", err)
	}

	s.logger.Info(ctx, "device registered, waiting for review", "device_id", d.ID, "name", d.Name, "intent_id", intentID)
	return d, nil
}
