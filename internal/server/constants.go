package server

import "time"

// Server identity reported in CONNECT and PING responses
const (
	ServerName      = "ferry-tcp-server"
	ServerVersion   = "1.0.0"
	ServerProtocol  = "ferry-tcp/1"
	SelectedFormat  = "protobuf"
	ConcurrentLimit = 16 // advertised concurrent operation hint
)

// Connection pump tuning
const (
	ReadChunkSize = 64 << 10 // socket reads per iteration
)

// Session management
const (
	SessionReapInterval  = 15 * time.Minute
	IdleSessionThreshold = 1 * time.Hour
)

// Timeouts
const (
	ShutdownTimeout = 5 * time.Second
)
