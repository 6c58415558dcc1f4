package config

import "time"

// Server defaults
const (
	DefaultPort            = "8080"
	DefaultMaxStorageGB    = 1
	DefaultMaxMemoryMB     = 48
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// Task intervals
const (
	DefaultIngestInterval    = 2 * time.Minute
	DefaultRollupInterval    = 1 * time.Hour
	DefaultDetectInterval    = 5 * time.Minute
	DefaultRetentionInterval = 24 * time.Hour
	BadgerGCInterval         = 10 * time.Minute
	StorageCheckInterval     = 5 * time.Minute
)

// Task timeouts
const (
	IngestTimeout    = 10 * time.Minute
	RollupTimeout    = 15 * time.Minute
	DetectTimeout    = 2 * time.Minute
	RetentionTimeout = 30 * time.Minute
	QueryTimeout     = 30 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 90 * 24 * time.Hour
	MaxStatsWindow      = 31 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
