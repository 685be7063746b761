package processor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/a1g0-creator/ct-bot-sub000/internal/dao"
	"github.com/a1g0-creator/ct-bot-sub000/internal/models"
	"github.com/a1g0-creator/ct-bot-sub000/internal/monitor"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/concurrent"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

const (
	tableSignalLogs       = "signal_logs"
	tableOrderLogs        = "order_logs"
	tableRiskEvents       = "risk_events"
	tableBalanceSnapshots = "balance_snapshots"
	tableOrderStatus      = "order_logs.status"
)

// BatchItem 批量写入项接口
type BatchItem interface {
	TableName() string
	DedupKey() string // 返回去重键
}

type SignalLogItem struct {
	Log *models.SignalLog
}

func (i SignalLogItem) TableName() string { return tableSignalLogs }
func (i SignalLogItem) DedupKey() string  { return "sl:" + i.Log.DedupKey }

// OrderLogItem 同一订单的多次状态更新在缓冲区内合并
type OrderLogItem struct {
	Log *models.OrderLog
}

func (i OrderLogItem) TableName() string { return tableOrderLogs }

func (i OrderLogItem) DedupKey() string {
	if i.Log.ExchangeOrderID != nil {
		return "ol:" + *i.Log.ExchangeOrderID
	}
	return "ol:link:" + i.Log.OrderLinkID
}

// OrderStatusItem order 频道的状态推送，在 order_logs 插入之后执行
type OrderStatusItem struct {
	OrderID string
	Status  string
	Reason  string
}

func (i OrderStatusItem) TableName() string { return tableOrderStatus }
func (i OrderStatusItem) DedupKey() string  { return "os:" + i.OrderID }

// RiskEventItem 事件不合并
type RiskEventItem struct {
	Event *models.RiskEvent
}

func (i RiskEventItem) TableName() string { return tableRiskEvents }
func (i RiskEventItem) DedupKey() string  { return fmt.Sprintf("re:%p", i.Event) }

type BalanceSnapshotItem struct {
	Snapshot *models.BalanceSnapshot
}

func (i BalanceSnapshotItem) TableName() string { return tableBalanceSnapshots }

func (i BalanceSnapshotItem) DedupKey() string {
	return fmt.Sprintf("bs:%d:%s:%d", i.Snapshot.AccountID, i.Snapshot.Asset, i.Snapshot.Ts.UnixNano())
}

// BatchWriterConfig 批量写入配置
type BatchWriterConfig struct {
	BatchSize     int           // 批量大小（默认 100）
	FlushInterval time.Duration // 刷新间隔（默认 2s）
	MaxQueueSize  int           // 最大队列大小（默认 10000）
}

// BatchWriter 批量写入器
// 信号、订单、风控事件和余额快照异步落库，不阻塞交易路径
type BatchWriter struct {
	config    *BatchWriterConfig
	queue     chan BatchItem
	buffers   concurrent.Map[string, BatchItem] // 按 dedupKey 分组（去重）
	flushMu   sync.Mutex
	flushTick *time.Ticker
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewBatchWriter(config *BatchWriterConfig) *BatchWriter {
	if config == nil {
		config = &BatchWriterConfig{}
	}

	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}

	return &BatchWriter{
		config: config,
		queue:  make(chan BatchItem, config.MaxQueueSize),
		done:   make(chan struct{}),
	}
}

func (w *BatchWriter) Start() {
	w.flushTick = time.NewTicker(w.config.FlushInterval)

	w.wg.Add(2)
	go w.receiveLoop()
	go w.flushLoop()
}

func (w *BatchWriter) receiveLoop() {
	defer w.wg.Done()
	for {
		select {
		case item := <-w.queue:
			w.buffers.Store(item.DedupKey(), item)
			if w.buffers.Len() >= int64(w.config.BatchSize) {
				w.flushAll()
			}
		case <-w.done:
			for len(w.queue) > 0 {
				item := <-w.queue
				w.buffers.Store(item.DedupKey(), item)
			}
			return
		}
	}
}

func (w *BatchWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.flushTick.C:
			w.flushAll()
		case <-w.done:
			return
		}
	}
}

// flushAll 按表分组写入并清除已写入的缓冲
func (w *BatchWriter) flushAll() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	grouped := make(map[string][]BatchItem)
	var keys []string
	w.buffers.Range(func(key string, item BatchItem) bool {
		grouped[item.TableName()] = append(grouped[item.TableName()], item)
		keys = append(keys, key)
		return true
	})
	if len(keys) == 0 {
		return
	}

	start := time.Now()
	for _, table := range []string{tableSignalLogs, tableOrderLogs, tableOrderStatus, tableRiskEvents, tableBalanceSnapshots} {
		items := grouped[table]
		if len(items) == 0 {
			continue
		}
		if err := w.write(table, items); err != nil {
			logger.Error().Err(err).Str("table", table).Int("count", len(items)).Msg("batch write failed")
		} else {
			logger.Debug().Str("table", table).Int("count", len(items)).Msg("batch write success")
		}
	}
	monitor.ObserveBatchWriteSize(len(keys))
	monitor.ObserveBatchWriteDuration(time.Since(start).Seconds())

	for _, key := range keys {
		w.buffers.Delete(key)
	}
}

func (w *BatchWriter) write(table string, items []BatchItem) error {
	switch table {
	case tableSignalLogs:
		logs := make([]*models.SignalLog, 0, len(items))
		for _, item := range items {
			logs = append(logs, item.(SignalLogItem).Log)
		}
		return dao.Signal().BatchInsert(logs)
	case tableOrderLogs:
		logs := make([]*models.OrderLog, 0, len(items))
		for _, item := range items {
			logs = append(logs, item.(OrderLogItem).Log)
		}
		return dao.Order().BatchUpsert(logs)
	case tableOrderStatus:
		for _, item := range items {
			st := item.(OrderStatusItem)
			if _, err := dao.Order().UpdateStatus(st.OrderID, st.Status, st.Reason); err != nil {
				return err
			}
		}
		return nil
	case tableRiskEvents:
		events := make([]*models.RiskEvent, 0, len(items))
		for _, item := range items {
			events = append(events, item.(RiskEventItem).Event)
		}
		return dao.Risk().BatchInsert(events)
	case tableBalanceSnapshots:
		snaps := make([]*models.BalanceSnapshot, 0, len(items))
		for _, item := range items {
			snaps = append(snaps, item.(BalanceSnapshotItem).Snapshot)
		}
		return dao.Balance().BatchInsert(snaps)
	}
	logger.Warn().Str("table", table).Msg("unsupported table for batch write")
	return nil
}

// Add 添加写入项
func (w *BatchWriter) Add(item BatchItem) error {
	select {
	case w.queue <- item:
		return nil
	default:
		monitor.GetMetrics().IncBatchQueueFull()
		return ErrQueueFull
	}
}

func (w *BatchWriter) add(item BatchItem) {
	if err := w.Add(item); err != nil {
		logger.Warn().Err(err).Str("table", item.TableName()).Msg("drop persistence item")
	}
}

func (w *BatchWriter) LogSignal(l *models.SignalLog)     { w.add(SignalLogItem{Log: l}) }
func (w *BatchWriter) LogOrder(l *models.OrderLog)       { w.add(OrderLogItem{Log: l}) }
func (w *BatchWriter) LogRiskEvent(ev *models.RiskEvent) { w.add(RiskEventItem{Event: ev}) }

func (w *BatchWriter) UpdateOrderStatus(orderID, status, reason string) {
	w.add(OrderStatusItem{OrderID: orderID, Status: status, Reason: reason})
}

func (w *BatchWriter) LogBalanceSnapshot(s *models.BalanceSnapshot) {
	w.add(BalanceSnapshotItem{Snapshot: s})
}

func (w *BatchWriter) Pending() int64 {
	return w.buffers.Len() + int64(len(w.queue))
}

// Stop 停止写入器并刷新剩余数据
func (w *BatchWriter) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.flushAll()
		if w.flushTick != nil {
			w.flushTick.Stop()
		}
	})
}

// GracefulShutdown 优雅关闭，带超时控制
func (w *BatchWriter) GracefulShutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("batch writer shutdown timeout")
		return ErrShutdownTimeout
	}
}

// ErrQueueFull 队列满错误
var ErrQueueFull = errors.New("batch writer queue full")

// ErrShutdownTimeout 关闭超时错误
var ErrShutdownTimeout = errors.New("shutdown timeout")
