// Package config holds the tunable parameters of a remote-desktop session.
package config

import (
	"fmt"
	"time"
)

// Defaults matching the remote-desktop server's behaviour.
const (
	DefaultControlPort = 8081
	DefaultChunkSize   = 32 * 1024        // 32 KiB per transfer chunk
	DefaultMaxUpload   = 50 * 1024 * 1024 // 50 MiB
)

// Config stores every policy knob used by the session and its state machines.
type Config struct {
	ControlPort int // fixed websocket port on the remote host

	// Frame admission.
	MinRenderInterval time.Duration // minimum spacing between admitted frames
	FrameKeepEvery    int           // admit one candidate out of N (1 disables skipping)

	// File transfer.
	ChunkSize            int
	MaxUploadSize        int64
	ChunkTimeout         time.Duration // per outstanding chunk; 0 disables
	MaxChunkRetries      int
	RegistrationTimeout  time.Duration // pending upload without a session id; 0 disables
	FileListRefreshDelay time.Duration

	// Session.
	SessionEndDisconnectDelay time.Duration
	KeepAliveInterval         time.Duration // PING period while authenticated; 0 disables
	DialTimeout               time.Duration
	SendQueueSize             int
}

// Default returns the configuration used when no flags override it.
func Default() Config {
	return Config{
		ControlPort:               DefaultControlPort,
		MinRenderInterval:         150 * time.Millisecond,
		FrameKeepEvery:            2,
		ChunkSize:                 DefaultChunkSize,
		MaxUploadSize:             DefaultMaxUpload,
		ChunkTimeout:              10 * time.Second,
		MaxChunkRetries:           3,
		RegistrationTimeout:       15 * time.Second,
		FileListRefreshDelay:      time.Second,
		SessionEndDisconnectDelay: 500 * time.Millisecond,
		DialTimeout:               10 * time.Second,
		SendQueueSize:             64,
	}
}

// Validate reports the first invalid field, if any.
func (c Config) Validate() error {
	switch {
	case c.ControlPort < 1 || c.ControlPort > 65535:
		return fmt.Errorf("invalid control port %d (must be 1~65535)", c.ControlPort)
	case c.FrameKeepEvery < 1:
		return fmt.Errorf("invalid frame keep ratio %d (must be >= 1)", c.FrameKeepEvery)
	case c.ChunkSize <= 0:
		return fmt.Errorf("invalid chunk size %d", c.ChunkSize)
	case c.MaxUploadSize <= 0:
		return fmt.Errorf("invalid max upload size %d", c.MaxUploadSize)
	case c.MaxChunkRetries < 0:
		return fmt.Errorf("invalid chunk retry count %d", c.MaxChunkRetries)
	case c.MinRenderInterval < 0 || c.ChunkTimeout < 0 || c.RegistrationTimeout < 0 ||
		c.FileListRefreshDelay < 0 || c.SessionEndDisconnectDelay < 0 ||
		c.KeepAliveInterval < 0 || c.DialTimeout < 0:
		return fmt.Errorf("durations must not be negative")
	case c.SendQueueSize < 1:
		return fmt.Errorf("invalid send queue size %d", c.SendQueueSize)
	}
	return nil
}
