package main

import "time"

const (
	txQueueSize       = 1024 // capacity of async TX queue
	serialReadBufSize = 4096 // per read() buffer for the slcan adapter
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

// backendRetryDelay is the base delay between backend open attempts.
var backendRetryDelay = 500 * time.Millisecond
