// Package constants defines default timeouts and limits shared across the
// socket, HTTP client, and FTP client layers.
package constants

import "time"

// Connection timeouts and pool limits.
const (
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultIdleTimeout    = 90 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	CleanupInterval       = 30 * time.Second
)

// HTTP limits.
const (
	MaxContentLength  = 1024 * 1024 * 1024 * 1024 // 1TB
	MaxHeaderBlockSize = 16 * 1024
	DefaultMaxRedirects = 5
)

// FTP defaults.
const (
	DefaultFTPControlTimeout = 30 * time.Second
	DefaultFTPDataTimeout    = 60 * time.Second
	DefaultFTPPort           = 21
)

// Buffer limits.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer
)
