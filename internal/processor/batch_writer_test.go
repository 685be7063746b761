package processor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/a1g0-creator/ct-bot-sub000/internal/dao"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	dao.InitDAO(db)

	// 共享缓存的内存库在并发读写时会报 table locked
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func signalLog(key string) *models.SignalLog {
	return &models.SignalLog{
		AccountID:  2,
		DedupKey:   key,
		Symbol:     "BTCUSDT",
		Type:       "OPEN",
		Side:       "Buy",
		Qty:        1,
		Mode:       "ONEWAY",
		Source:     "feed",
		ReceivedAt: time.Now(),
	}
}

func count(t *testing.T, db *gorm.DB, model any) int64 {
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestBatchWriter_StartStop(t *testing.T) {
	setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 10, FlushInterval: 100 * time.Millisecond, MaxQueueSize: 100})
	w.Start()
	w.Stop()
	w.Stop()
}

func TestBatchWriter_BatchSizeTrigger(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 5, FlushInterval: time.Minute, MaxQueueSize: 100})
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Add(SignalLogItem{Log: signalLog(fmt.Sprintf("k%d", i))}))
	}

	assert.Eventually(t, func() bool {
		return count(t, db, &models.SignalLog{}) == 5
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 100, FlushInterval: 50 * time.Millisecond, MaxQueueSize: 100})
	w.Start()
	defer w.Stop()

	w.LogRiskEvent(&models.RiskEvent{AccountID: 1, Event: models.RiskEventKellyCap, Symbol: "BTCUSDT", Original: 10, Adjusted: 5})

	assert.Eventually(t, func() bool {
		return count(t, db, &models.RiskEvent{}) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBatchWriter_QueueFull(t *testing.T) {
	setupTestDB(t)

	// 不启动消费协程，队列必然写满
	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 10, FlushInterval: time.Second, MaxQueueSize: 2})

	require.NoError(t, w.Add(SignalLogItem{Log: signalLog("a")}))
	require.NoError(t, w.Add(SignalLogItem{Log: signalLog("b")}))
	assert.ErrorIs(t, w.Add(SignalLogItem{Log: signalLog("c")}), ErrQueueFull)
}

func TestBatchWriter_GracefulShutdown(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 10, FlushInterval: time.Minute, MaxQueueSize: 100})
	w.Start()

	w.LogSignal(signalLog("g1"))
	w.LogBalanceSnapshot(&models.BalanceSnapshot{AccountID: 1, Asset: "USDT", Free: 10, Equity: 12, Ts: time.Now()})
	w.LogOrder(&models.OrderLog{AccountID: 1, OrderLinkID: "l1", Symbol: "BTCUSDT", Side: "Buy", Type: "OPEN", Qty: "1", Status: models.OrderStatusRejected})

	require.NoError(t, w.GracefulShutdown(2*time.Second))

	assert.Equal(t, int64(1), count(t, db, &models.SignalLog{}))
	assert.Equal(t, int64(1), count(t, db, &models.BalanceSnapshot{}))
	assert.Equal(t, int64(1), count(t, db, &models.OrderLog{}))
}

func TestBatchWriter_ConcurrentAdds(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 50, FlushInterval: 50 * time.Millisecond, MaxQueueSize: 1000})
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				w.LogSignal(signalLog(fmt.Sprintf("c-%d-%d", idx, j)))
			}
		}(i)
	}
	wg.Wait()
	w.Stop()

	assert.Equal(t, int64(100), count(t, db, &models.SignalLog{}))
}

func TestBatchWriter_OrderStatusMerged(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 10, FlushInterval: time.Minute, MaxQueueSize: 100})
	w.Start()

	id := "ex-1"
	w.LogOrder(&models.OrderLog{AccountID: 1, ExchangeOrderID: &id, OrderLinkID: "l1", Symbol: "BTCUSDT", Side: "Buy", Type: "OPEN", Qty: "1", Status: models.OrderStatusNew})
	w.LogOrder(&models.OrderLog{AccountID: 1, ExchangeOrderID: &id, OrderLinkID: "l1", Symbol: "BTCUSDT", Side: "Buy", Type: "OPEN", Qty: "1", Status: models.OrderStatusFilled})
	w.Stop()

	var orders []models.OrderLog
	require.NoError(t, db.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusFilled, orders[0].Status)
}

func TestBatchWriter_DuplicateSignalIgnored(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 1, FlushInterval: time.Minute, MaxQueueSize: 100})
	w.Start()
	w.LogSignal(signalLog("dup"))
	assert.Eventually(t, func() bool {
		return count(t, db, &models.SignalLog{}) == 1
	}, 2*time.Second, 20*time.Millisecond)

	w.LogSignal(signalLog("dup"))
	w.Stop()
	assert.Equal(t, int64(1), count(t, db, &models.SignalLog{}))
}

func BenchmarkBatchWriter_Add(b *testing.B) {
	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 100, FlushInterval: 100 * time.Millisecond, MaxQueueSize: 10000})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.Add(RiskEventItem{Event: &models.RiskEvent{Event: models.RiskEventKellyCap}})
		if len(w.queue) == cap(w.queue) {
			for len(w.queue) > 0 {
				<-w.queue
			}
		}
	}
}

func TestBatchWriter_StatusAfterInsert(t *testing.T) {
	db := setupTestDB(t)

	w := NewBatchWriter(&BatchWriterConfig{BatchSize: 10, FlushInterval: time.Minute, MaxQueueSize: 100})
	w.Start()

	id := "ex-9"
	w.LogOrder(&models.OrderLog{AccountID: 1, ExchangeOrderID: &id, OrderLinkID: "l9", Symbol: "ETHUSDT", Side: "Sell", Type: "CLOSE", Qty: "2", Status: models.OrderStatusNew})
	w.UpdateOrderStatus(id, models.OrderStatusFilled, "")
	w.Stop()

	var order models.OrderLog
	require.NoError(t, db.First(&order).Error)
	assert.Equal(t, models.OrderStatusFilled, order.Status)
	assert.Equal(t, "CLOSE", order.Type)
}
