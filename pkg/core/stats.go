package core

// Smoothing factor for every rate and timing statistic
const averageFactor = 0.25

// movingAverage is an exponentially weighted moving average.
type movingAverage struct {
	value float32
}

func (a *movingAverage) update(v float32) {
	a.value = averageFactor*v + (1-averageFactor)*a.value
}

type stats struct {
	rpcsExecuted       uint64
	streamRPCs         uint32
	streamRPCsExecuted uint64

	rpcRate          movingAverage
	streamRPCRate    movingAverage
	bytesReadRate    movingAverage
	bytesWrittenRate movingAverage

	timePerRPCUpdate     movingAverage
	pollTimePerRPCUpdate movingAverage
	execTimePerRPCUpdate movingAverage
	timePerStreamUpdate  movingAverage
}

func (s *stats) clear() {
	*s = stats{}
}
