package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Transport defaults
const (
	// MaxFrameSize bounds a single inbound frame. History frames carry the
	// whole room log, so this is far above a single chat line.
	MaxFrameSize = BufferSize1MB

	// WriteTimeout is the time allowed to write one frame to the peer.
	WriteTimeout = 10 * time.Second

	// CloseGracePeriod is how long a close frame is given to reach the peer
	// before the socket is torn down.
	CloseGracePeriod = time.Second
)

// HTTP collaborator defaults
const (
	// HTTPTimeout is the default timeout for room and auth API calls
	HTTPTimeout = 15 * time.Second

	// MaxResponseBody bounds how much of an API response body is read
	MaxResponseBody = BufferSize1MB
)
