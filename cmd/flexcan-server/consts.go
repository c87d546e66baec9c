package main

import "time"

const (
	txQueueSize       = 1024 // capacity of the async TX funnel
	serialReadBufSize = 4096 // per read() buffer for the serial bridge
	// largeBufferReclaimThreshold is the capacity above which the temporary
	// serial RX accumulation buffer is discarded and reallocated once empty,
	// so bursts of line noise do not permanently retain large backing arrays.
	largeBufferReclaimThreshold = 16 * 1024
	rxBackoffMin                = 20 * time.Millisecond
	rxBackoffMax                = 500 * time.Millisecond
	// rxPumpInterval bounds each wait for received frames so the pump can
	// observe shutdown.
	rxPumpInterval = 20 * time.Millisecond
)
