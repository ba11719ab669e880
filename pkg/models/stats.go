package models

import "time"

// TransferStats describes one upload or download
type TransferStats struct {
	Bytes    int64
	Duration time.Duration
}

// BytesPerSecond returns the average transfer speed
func (s TransferStats) BytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}
