package monitor

// 便捷函数供外部调用，无需访问 Metrics 实例

func IncCacheHit(cacheType string) {
	GetMetrics().IncCacheHit(cacheType)
}

func IncCacheMiss(cacheType string) {
	GetMetrics().IncCacheMiss(cacheType)
}

func ObserveBatchWriteSize(size int) {
	GetMetrics().ObserveBatchWriteSize(size)
}

func ObserveBatchWriteDuration(duration float64) {
	GetMetrics().ObserveBatchWriteDuration(duration)
}

func IncSignalDropped(reason string) {
	GetMetrics().IncSignalDropped(reason)
}

func IncOrder(status string) {
	GetMetrics().IncOrder(status)
}

func ObserveOrderLatency(sec float64) {
	GetMetrics().ObserveOrderLatency(sec)
}

func SetDrawdown(v float64) {
	GetMetrics().SetDrawdown(v)
}
