package config

import "time"

// Server defaults
const (
	DefaultExposerPort   = "8080"
	DefaultRetrieverPort = "8081"
	DefaultDataDir       = "./data/cairn"
	DefaultMaxMemoryMB   = 48
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Ingest limits
const (
	IngestTimeout         = 5 * time.Second
	MaxRecordsPerRequest  = 500
	MaxPayloadBytes       = 64 * 1024
	MaxPartitionKeyLength = 128
	MaxActivePartitions   = 10000
)

// Query timeouts and limits
const (
	ReadTimeout        = 10 * time.Second
	StatsTimeout       = 5 * time.Second
	ReadPendingLimit   = 0 // no cap; pending sets are bounded by compaction
	ArchiveGetTimeout  = 30 * time.Second
	ArchiveListTimeout = 10 * time.Second
)

// Compaction defaults
const (
	CompactionInterval    = 30 * time.Second
	CompactionJitter      = 5 * time.Second
	BatchThreshold        = 100
	MaxPendingDelay       = 5 * time.Minute
	CompactionWorkers     = 4
	CompactionTaskTimeout = 2 * time.Minute
	WriteRetryBudget      = 5
	WriteRetryBaseDelay   = 250 * time.Millisecond
	WriteRetryMaxDelay    = 10 * time.Second
)

// Retirement and archiving defaults
const (
	RetireInterval   = 5 * time.Minute
	RetentionDelay   = 24 * time.Hour
	ArchiveInterval  = 15 * time.Minute
	ArchiveBatchSize = 1000
	BadgerGCInterval = 10 * time.Minute
)

// Watch feed (WebSocket) configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
