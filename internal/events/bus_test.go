package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

func TestBusDeliversToSubscribedType(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 2)
	defer bus.Stop()

	var forecasts, ingestions atomic.Int32
	bus.Subscribe(EventTypeForecastCompleted, func(e Event) {
		forecasts.Add(1)
	})
	bus.Subscribe(EventTypeIngestionCompleted, func(e Event) {
		ingestions.Add(1)
	})

	bus.Publish(ForecastCompleted{
		BaseEvent:  NewBaseEvent(EventTypeForecastCompleted),
		Instrument: types.InstrumentBTC,
		Status:     types.ForecastStatusSuccess,
	})
	bus.Publish(ForecastCompleted{
		BaseEvent:  NewBaseEvent(EventTypeForecastCompleted),
		Instrument: types.InstrumentETH,
		Status:     types.ForecastStatusSuccess,
	})

	require.Eventually(t, func() bool {
		return forecasts.Load() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), ingestions.Load())

	published, dropped := bus.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(0), dropped)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)
	defer bus.Stop()

	var delivered atomic.Int32
	bus.Subscribe(EventTypeMasterDataComputed, func(e Event) {
		panic("boom")
	})
	bus.Subscribe(EventTypeMasterDataComputed, func(e Event) {
		delivered.Add(1)
	})

	bus.Publish(MasterDataComputed{
		BaseEvent:  NewBaseEvent(EventTypeMasterDataComputed),
		Instrument: types.InstrumentBTC,
		Records:    3,
	})

	require.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBusPublishAfterStopIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop(), 16, 1)
	bus.Stop()

	bus.Publish(MarketDataUpdated{
		BaseEvent:  NewBaseEvent(EventTypeMarketDataUpdated),
		Instrument: types.InstrumentBTC,
	})

	published, _ := bus.Stats()
	assert.Equal(t, int64(0), published)
}
