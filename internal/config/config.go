package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"udpcopier/internal/protocol"
)

// Constants for default values
const (
	DefaultPayloadSize       = 1024
	DefaultInitialWindow     = 4
	DefaultMaxWindow         = 512
	DefaultDataTimeout       = 100 * time.Millisecond
	DefaultIdleTimeout       = 5 * time.Second
	DefaultHandshakeAttempts = 5
	DefaultFinAttempts       = 5
	DefaultMinDelay          = 10 * time.Millisecond
	DefaultMaxDelay          = 500 * time.Millisecond
	DefaultLinger            = 1 * time.Second
	DefaultHost              = "localhost"
	DefaultPort              = 8000
	DefaultOutputFile        = "./output/received.bin"

	// WholeFile as a byte count transfers the entire source file
	WholeFile = -1

	// Network constants
	UDPBufferSize = 4 * 1024 * 1024 // 4MB
	ReadBufferLen = 64 * 1024

	// File system constants
	LogDirPerms   = 0755
	SinkFilePerms = 0644
)

// Config holds all configuration parameters for the application
type Config struct {
	// Receiver mode settings
	IsReceiver bool
	ListenPort int
	OutputFile string

	// Sender mode settings
	Host      string
	Port      int
	FilePath  string
	ByteCount int64

	// Protocol parameters shared by both roles
	PayloadSize       int
	InitialWindow     int
	MaxWindow         int
	DataTimeout       time.Duration
	IdleTimeout       time.Duration
	HandshakeAttempts int
	FinAttempts       int
	MinDelay          time.Duration
	MaxDelay          time.Duration
	Linger            time.Duration
	LogDigest         bool
	ShowProgress      bool
}

// Default returns a Config populated with default values
func Default() *Config {
	return &Config{
		ListenPort:        DefaultPort,
		OutputFile:        DefaultOutputFile,
		Host:              DefaultHost,
		Port:              DefaultPort,
		ByteCount:         WholeFile,
		PayloadSize:       DefaultPayloadSize,
		InitialWindow:     DefaultInitialWindow,
		MaxWindow:         DefaultMaxWindow,
		DataTimeout:       DefaultDataTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		HandshakeAttempts: DefaultHandshakeAttempts,
		FinAttempts:       DefaultFinAttempts,
		MinDelay:          DefaultMinDelay,
		MaxDelay:          DefaultMaxDelay,
		Linger:            DefaultLinger,
		LogDigest:         true,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PayloadSize <= 0 || c.PayloadSize > protocol.MaxPayloadSize {
		return fmt.Errorf("payload size must be between 1 and %d", protocol.MaxPayloadSize)
	}
	if c.InitialWindow <= 0 {
		return fmt.Errorf("initial window must be positive")
	}
	if c.MaxWindow < c.InitialWindow {
		return fmt.Errorf("max window cannot be smaller than initial window")
	}
	if c.DataTimeout <= 0 {
		return fmt.Errorf("data timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.HandshakeAttempts <= 0 || c.FinAttempts <= 0 {
		return fmt.Errorf("attempt counts must be positive")
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 || c.MinDelay > c.MaxDelay {
		return fmt.Errorf("invalid retry delay configuration")
	}
	if c.Linger < 0 {
		return fmt.Errorf("linger cannot be negative")
	}

	if c.IsReceiver {
		if c.ListenPort < 0 || c.ListenPort > 65535 {
			return fmt.Errorf("listen port out of range")
		}
		if c.OutputFile == "" {
			return fmt.Errorf("output file is required in receiver mode")
		}
		return nil
	}

	if c.Host == "" {
		return fmt.Errorf("host is required in sender mode")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range")
	}
	if c.FilePath == "" {
		return fmt.Errorf("file path is required in sender mode")
	}
	if c.ByteCount < WholeFile {
		return fmt.Errorf("byte count cannot be negative")
	}

	return nil
}

// ParseFlags parses the process command line and returns a Config
func ParseFlags() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse parses command line arguments and returns a Config. Positional
// arguments follow the classic forms:
//
//	sender:   HOST PORT FILE BYTES
//	receiver: -receive PORT OUTPUT
func Parse(args []string) (*Config, error) {
	config := Default()
	fs := flag.NewFlagSet("udpcopier", flag.ContinueOnError)

	// Receiver flags
	fs.BoolVar(&config.IsReceiver, "receive", false, "Run in receiver mode")
	fs.IntVar(&config.ListenPort, "listen", DefaultPort, "UDP port to listen on (receiver mode)")
	fs.StringVar(&config.OutputFile, "output", DefaultOutputFile, "File to append received bytes to (receiver mode)")

	// Sender flags
	fs.StringVar(&config.Host, "host", DefaultHost, "Receiver host name (sender mode)")
	fs.IntVar(&config.Port, "port", DefaultPort, "Receiver UDP port (sender mode)")
	fs.StringVar(&config.FilePath, "file", "", "File to transfer (sender mode)")
	fs.Int64Var(&config.ByteCount, "bytes", WholeFile, "Number of bytes to transfer, -1 for the whole file")

	// Common flags
	fs.IntVar(&config.PayloadSize, "payload", DefaultPayloadSize, "Payload capacity per segment in bytes")
	fs.IntVar(&config.InitialWindow, "window", DefaultInitialWindow, "Initial congestion window in packets")
	fs.IntVar(&config.MaxWindow, "max-window", DefaultMaxWindow, "Maximum congestion window in packets")
	fs.DurationVar(&config.DataTimeout, "timeout", DefaultDataTimeout, "Retransmission round timeout")
	fs.DurationVar(&config.IdleTimeout, "idle", DefaultIdleTimeout, "Peer silence that ends an established connection")
	fs.IntVar(&config.HandshakeAttempts, "handshake-attempts", DefaultHandshakeAttempts, "Connection establishment attempts")
	fs.IntVar(&config.FinAttempts, "fin-attempts", DefaultFinAttempts, "Connection teardown attempts")
	fs.DurationVar(&config.MinDelay, "min-delay", DefaultMinDelay, "Minimum delay between retried control segments")
	fs.DurationVar(&config.MaxDelay, "max-delay", DefaultMaxDelay, "Maximum delay between retried control segments")
	fs.DurationVar(&config.Linger, "linger", DefaultLinger, "Time the receiver keeps answering FIN retransmissions")
	fs.BoolVar(&config.LogDigest, "digest", true, "Log a BLAKE2b digest of the transferred bytes")
	fs.BoolVar(&config.ShowProgress, "progress", false, "Show progress during transfer")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := config.applyPositional(fs.Args()); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyPositional fills role parameters from positional arguments
func (c *Config) applyPositional(rest []string) error {
	if len(rest) == 0 {
		return nil
	}

	if c.IsReceiver {
		if len(rest) != 2 {
			return fmt.Errorf("usage: udpcopier -receive UDP_PORT FILENAME_TO_WRITE")
		}
		port, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", rest[0], err)
		}
		c.ListenPort = port
		c.OutputFile = rest[1]
		return nil
	}

	if len(rest) != 4 {
		return fmt.Errorf("usage: udpcopier RECEIVER_HOSTNAME RECEIVER_PORT FILENAME_TO_XFER BYTES_TO_XFER")
	}
	port, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", rest[1], err)
	}
	count, err := strconv.ParseInt(rest[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid byte count %q: %w", rest[3], err)
	}
	c.Host = rest[0]
	c.Port = port
	c.FilePath = rest[2]
	c.ByteCount = count
	return nil
}

// ReceiverAddress returns the host:port the sender transmits to
func (c *Config) ReceiverAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ListenAddress returns the local address the receiver binds
func (c *Config) ListenAddress() string {
	return net.JoinHostPort("", strconv.Itoa(c.ListenPort))
}

// DatagramSize is the constant on-wire size of every segment
func (c *Config) DatagramSize() int {
	return protocol.HeaderSize + c.PayloadSize
}

// String returns a string representation of the config for logging
func (c *Config) String() string {
	mode := "Sender"
	if c.IsReceiver {
		mode = "Receiver"
	}

	return fmt.Sprintf("Config{Mode: %s, PayloadSize: %d, InitialWindow: %d, MaxWindow: %d, DataTimeout: %v, IdleTimeout: %v}",
		mode, c.PayloadSize, c.InitialWindow, c.MaxWindow, c.DataTimeout, c.IdleTimeout)
}
