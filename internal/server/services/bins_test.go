package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/common"
	"github.com/dmitrijs2005/smartbin/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) reviewed(n int) {
	for i := range n {
		f.store.PutDevice(models.Device{
			Name:      "bin-" + string(rune('a'+i)),
			Reviewed:  true,
			CreatedAt: epoch.Add(time.Duration(i) * time.Minute),
		})
	}
}

func names(list []models.DeviceSummary) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.Name)
	}
	return out
}

func TestListDevices_PagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reviewed(5)
	f.store.PutDevice(models.Device{Name: "pending-review"})

	list, err := f.bins.ListDevices(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin-e", "bin-d"}, names(list.Devices))
	assert.Equal(t, int64(5), list.Total)
	assert.Equal(t, 3, list.TotalPages)
	assert.False(t, list.Cached)

	list, err = f.bins.ListDevices(ctx, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin-a"}, names(list.Devices))
}

func TestListDevices_ClampsPaging(t *testing.T) {
	f := newFixture(t)
	f.reviewed(1)

	list, err := f.bins.ListDevices(context.Background(), 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, MaxPageSize, list.PageSize)

	list, err = f.bins.ListDevices(context.Background(), -3, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, list.PageSize)
}

func TestListDevices_OfflineServesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reviewed(3)

	_, err := f.bins.ListDevices(ctx, 1, 10)
	require.NoError(t, err)

	f.goOffline()
	list, err := f.bins.ListDevices(ctx, 2, 10)
	require.NoError(t, err)
	assert.True(t, list.Cached)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, []string{"bin-c", "bin-b", "bin-a"}, names(list.Devices))
}

func TestListDevices_StoreErrorNudges(t *testing.T) {
	f := newFixture(t)
	f.store.SetUnavailable(true)

	_, err := f.bins.ListDevices(context.Background(), 1, 10)
	assert.ErrorIs(t, err, common.ErrStoreUnavailable)
	assert.Equal(t, int32(1), f.state.nudges.Load())
}

func TestAddDevice_Online(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.bins.AddDevice(ctx, AddDeviceRequest{Name: "  corner  ", Latitude: ptr(31.0), Longitude: ptr(121.0)})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.NotZero(t, res.Device.ID)
	assert.Equal(t, "corner", res.Device.Name)
	assert.Equal(t, "normal", res.Device.Type)
	assert.False(t, res.Device.Reviewed)

	list, err := f.bins.ListDevices(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, list.Devices, "unreviewed devices are not listed")
}

func TestAddDevice_OfflineQueuesOnceAndShowsInCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reviewed(2)

	_, err := f.bins.ListDevices(ctx, 1, 10)
	require.NoError(t, err)

	f.goOffline()
	res, err := f.bins.AddDevice(ctx, AddDeviceRequest{Name: "X", Latitude: ptr(1.0), Longitude: ptr(2.0)})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.Equal(t, res.Intent.ID, res.Device.PendingIntentID)

	pending := f.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, models.IntentAddDevice, pending[0].Type)

	list, err := f.bins.ListDevices(ctx, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list.Devices)
	assert.Equal(t, "X", list.Devices[0].Name)
	assert.Equal(t, res.Intent.ID, list.Devices[0].PendingIntentID)
	assert.Len(t, list.Devices, 3)

	// recovery: replay, then the next online read replaces the cache
	f.goOnline()
	require.NoError(t, f.drainer.Drain(ctx))
	assert.Empty(t, f.pending(t))

	_, err = f.bins.ListDevices(ctx, 1, 10)
	require.NoError(t, err)
	cached, err := f.queue.CachedReads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin-b", "bin-a"}, names(cached))
}

func TestAddDevice_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.goOffline()

	res, err := f.bins.AddDevice(ctx, AddDeviceRequest{Name: "X", Latitude: ptr(1.0), Longitude: ptr(2.0)})
	require.NoError(t, err)

	req := AddDeviceRequest{Name: "X", Latitude: ptr(1.0), Longitude: ptr(2.0)}
	first, err := f.bins.addDevice(ctx, req, res.Intent.ID)
	require.NoError(t, err)
	second, err := f.bins.addDevice(ctx, req, res.Intent.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAddDevice_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  AddDeviceRequest
	}{
		{"missing name", AddDeviceRequest{Name: "  ", Latitude: ptr(1.0), Longitude: ptr(1.0)}},
		{"long name", AddDeviceRequest{Name: strings.Repeat("垃", 51), Latitude: ptr(1.0), Longitude: ptr(1.0)}},
		{"long description", AddDeviceRequest{Name: "n", Description: strings.Repeat("d", 201), Latitude: ptr(1.0), Longitude: ptr(1.0)}},
		{"missing coordinates", AddDeviceRequest{Name: "n", Latitude: ptr(1.0)}},
		{"latitude out of range", AddDeviceRequest{Name: "n", Latitude: ptr(-90.5), Longitude: ptr(1.0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bins.AddDevice(context.Background(), tt.req)
			assert.ErrorIs(t, err, common.ErrorValidation)
		})
	}

	_, err := f.bins.AddDevice(context.Background(), AddDeviceRequest{Name: strings.Repeat("垃", 50), Latitude: ptr(1.0), Longitude: ptr(1.0)})
	assert.NoError(t, err, "limit counts characters, not bytes")
}
