package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"udpcopier/internal/config"
	"udpcopier/internal/errors"
	"udpcopier/internal/filesystem"
)

// SetupLogger initializes structured logging with file and console output
func SetupLogger() error {
	// Create logs directory if it doesn't exist
	if err := filesystem.EnsureDirectoryExists("logs"); err != nil {
		return err
	}

	// Create log file with timestamp
	logFileName := filepath.Join("logs",
		"udpcopier_"+time.Now().Format("20060102_150405")+".log")

	logFile, err := os.Create(logFileName)
	if err != nil {
		// Continue with console logging only
		slog.Warn("Failed to create log file, using console only", "error", err)
		return nil
	}

	// Create multi-writer to log to both console and file
	multiWriter := io.MultiWriter(os.Stdout, logFile)

	opts := &slog.HandlerOptions{
		Level:     slog.LevelInfo,
		AddSource: false,
	}

	// Use text handler for better console readability
	handler := slog.NewTextHandler(multiWriter, opts)
	slog.SetDefault(slog.New(handler))

	slog.Info("Logging initialized", "session_id", time.Now().Format("20060102_150405"))
	return nil
}

// LogConfig logs the current configuration
func LogConfig(cfg *config.Config) {
	mode := "Sender"
	if cfg.IsReceiver {
		mode = "Receiver"
	}

	slog.Info("Configuration loaded",
		"mode", mode,
		"payload_size", cfg.PayloadSize,
		"datagram_size", cfg.DatagramSize(),
		"initial_window", cfg.InitialWindow,
		"max_window", cfg.MaxWindow,
		"data_timeout_ms", cfg.DataTimeout.Milliseconds(),
		"log_digest", cfg.LogDigest)

	if cfg.IsReceiver {
		slog.Info("Receiver configuration",
			"listen_address", cfg.ListenAddress(),
			"idle_timeout_seconds", cfg.IdleTimeout.Seconds(),
			"linger_ms", cfg.Linger.Milliseconds())
	} else {
		// Get file size if file exists, but don't log the path
		var fileSize int64
		if fileInfo, err := os.Stat(cfg.FilePath); err == nil {
			fileSize = fileInfo.Size()
		}
		count := cfg.ByteCount
		if count == config.WholeFile {
			count = fileSize
		}

		slog.Info("Sender configuration",
			"receiver_address", cfg.ReceiverAddress(),
			"file_size_bytes", fileSize,
			"bytes_to_send", count,
			"estimated_packets", (count+int64(cfg.PayloadSize)-1)/int64(cfg.PayloadSize),
			"handshake_attempts", cfg.HandshakeAttempts)
	}
}

// LogError logs an error with appropriate context
func LogError(err error, context string) {
	var (
		netErr   *errors.NetworkError
		fsErr    *errors.FileSystemError
		hsErr    *errors.HandshakeError
		hdrErr   *errors.HeaderError
		protoErr *errors.ProtocolError
		valErr   *errors.ValidationError
	)

	switch {
	case errors.As(err, &hsErr):
		slog.Error("Handshake failed",
			"context", context,
			"peer", hsErr.Addr,
			"attempts", hsErr.Attempts,
			"error_type", "handshake_timeout")
	case errors.As(err, &netErr):
		slog.Error("Network error",
			"context", context,
			"operation", netErr.Op,
			"address", netErr.Addr,
			"error", netErr.Err,
			"error_type", "network")
	case errors.As(err, &fsErr):
		slog.Error("File system error",
			"context", context,
			"operation", fsErr.Op,
			"error", fsErr.Err,
			"error_type", "filesystem")
	case errors.As(err, &hdrErr):
		slog.Error("Malformed header",
			"context", context,
			"operation", hdrErr.Op,
			"length", hdrErr.Length,
			"message", hdrErr.Message,
			"error_type", "malformed_header")
	case errors.As(err, &protoErr):
		slog.Error("Protocol error",
			"context", context,
			"operation", protoErr.Op,
			"message", protoErr.Message,
			"error_type", "protocol")
	case errors.As(err, &valErr):
		slog.Error("Validation error",
			"context", context,
			"field", valErr.Field,
			"message", valErr.Message,
			"error_type", "validation")
	case errors.Is(err, errors.ErrCancelled):
		slog.Warn("Operation cancelled",
			"context", context,
			"error_type", "cancelled")
	default:
		slog.Error("Unhandled error",
			"context", context,
			"error", err,
			"error_type", "unknown")
	}
}

// LogTransferProgress logs transfer progress information
func LogTransferProgress(transferred, total int64, rate float64) {
	percent := 100.0
	if total > 0 {
		percent = float64(transferred) / float64(total) * 100
	}
	slog.Info("Transfer progress",
		"transferred_mb", float64(transferred)/(1024*1024),
		"total_mb", float64(total)/(1024*1024),
		"percent_complete", percent,
		"transfer_rate_mbps", rate,
		"remaining_mb", float64(total-transferred)/(1024*1024))
}

// LogTransferComplete logs successful transfer completion
func LogTransferComplete(size int64, duration time.Duration, digest string) {
	attrs := []any{
		"total_bytes", size,
		"duration_ms", duration.Milliseconds(),
		"average_rate_mbps", rate(size, duration),
	}
	if digest != "" {
		attrs = append(attrs, "blake2b", digest)
	}
	attrs = append(attrs, "timestamp", time.Now().Format("15:04:05"))
	slog.Info("Transfer completed successfully", attrs...)
}

// LogCongestionEvent logs a congestion window change
func LogCongestionEvent(event string, round, cwnd, ssthresh int, applied bool) {
	if !applied {
		slog.Debug("Congestion signal suppressed",
			"event", event,
			"round", round)
		return
	}
	slog.Info("Congestion event",
		"event", event,
		"round", round,
		"cwnd", cwnd,
		"ssthresh", ssthresh)
}

// LogNetworkMetrics logs link statistics gathered during a transfer
func LogNetworkMetrics(roundTime time.Duration, rounds, retransmissions int, lossRate float64) {
	slog.Info("Network metrics",
		"smoothed_round_ms", roundTime.Milliseconds(),
		"rounds", rounds,
		"retransmissions", retransmissions,
		"loss_round_percent", lossRate*100,
		"network_quality", getNetworkQuality(roundTime, lossRate))
}

// LogSessionStart logs the start of a transfer session
func LogSessionStart(mode string, totalSize int64, payloadSize int, initialWindow int) {
	totalPackets := (totalSize + int64(payloadSize) - 1) / int64(payloadSize) // Ceiling division
	slog.Info("Transfer session started",
		"mode", mode,
		"total_bytes", totalSize,
		"payload_size", payloadSize,
		"total_packets", totalPackets,
		"initial_window", initialWindow,
		"session_start", time.Now().Format("15:04:05"))
}

// LogSessionEnd logs the end of a transfer session
func LogSessionEnd(success bool, totalBytes int64, duration time.Duration) {
	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}

	slog.Info("Transfer session ended",
		"status", status,
		"total_bytes_transferred", totalBytes,
		"session_duration_ms", duration.Milliseconds(),
		"average_throughput_mbps", rate(totalBytes, duration),
		"session_end", time.Now().Format("15:04:05"))
}

func rate(bytes int64, duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}
	return float64(bytes) / (1024 * 1024) / duration.Seconds()
}

// getNetworkQuality determines network quality based on metrics
func getNetworkQuality(roundTime time.Duration, lossRate float64) string {
	if roundTime < 10*time.Millisecond && lossRate < 0.01 {
		return "excellent"
	} else if roundTime < 50*time.Millisecond && lossRate < 0.05 {
		return "good"
	} else if roundTime < 150*time.Millisecond && lossRate < 0.2 {
		return "fair"
	}
	return "poor"
}
