package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"udpcopier/internal/logging"
)

// Stats holds transfer statistics. The transfer loop updates it while the
// reporter goroutine reads it, so the byte count is atomic.
type Stats struct {
	TotalBytes       int64 // zero or negative when the length is not known
	TransferredBytes atomic.Int64
	StartTime        time.Time
	Role             string
}

// NewStats creates statistics for a transfer of total bytes starting now
func NewStats(role string, total int64) *Stats {
	return &Stats{TotalBytes: total, StartTime: time.Now(), Role: role}
}

// Reporter handles progress reporting
type Reporter struct {
	stats       *Stats
	ticker      *time.Ticker
	done        chan struct{}
	showConsole bool
}

// NewReporter creates a new progress reporter
func NewReporter(stats *Stats, showConsole bool) *Reporter {
	return &Reporter{
		stats:       stats,
		ticker:      time.NewTicker(1 * time.Second),
		done:        make(chan struct{}),
		showConsole: showConsole,
	}
}

// Start begins progress reporting
func (r *Reporter) Start() {
	go r.reportLoop()
}

// Stop stops progress reporting
func (r *Reporter) Stop() {
	r.ticker.Stop()
	close(r.done)
	if r.showConsole {
		fmt.Println() // Print newline after progress bar
	}
}

// reportLoop runs the progress reporting loop
func (r *Reporter) reportLoop() {
	var lastTransferred int64
	var lastUpdateTime = time.Now()

	// For calculating moving average speed
	const speedWindowSize = 5
	speedHistory := make([]float64, 0, speedWindowSize)

	for {
		select {
		case <-r.ticker.C:
			r.updateProgress(&lastTransferred, &lastUpdateTime, &speedHistory)
		case <-r.done:
			return
		}
	}
}

// updateProgress updates and displays current progress
func (r *Reporter) updateProgress(lastTransferred *int64, lastUpdateTime *time.Time, speedHistory *[]float64) {
	now := time.Now()
	transferred := r.stats.GetTransferred()

	// Calculate current speed based on last update
	timeDiff := now.Sub(*lastUpdateTime).Seconds()
	byteDiff := transferred - *lastTransferred
	var currentSpeed float64
	if timeDiff > 0 {
		currentSpeed = float64(byteDiff) / 1024 / 1024 / timeDiff
	}

	*speedHistory = append(*speedHistory, currentSpeed)
	if len(*speedHistory) > 5 { // speedWindowSize
		*speedHistory = (*speedHistory)[1:] // Remove oldest entry
	}
	avgSpeed := average(*speedHistory)

	// Log progress periodically (every 10 seconds)
	if int(now.Sub(r.stats.StartTime).Seconds())%10 == 0 {
		logging.LogTransferProgress(transferred, r.stats.TotalBytes, avgSpeed)
	}

	if r.showConsole {
		fmt.Print(r.render(transferred, avgSpeed))
	}

	// Update for next iteration
	*lastTransferred = transferred
	*lastUpdateTime = now
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// eta formats the remaining time at avgSpeed MB/s
func eta(remainingBytes int64, avgSpeed float64) string {
	if avgSpeed <= 0.1 { // Only show ETA if speed is reasonable
		return "calculating..."
	}
	remainingTime := float64(remainingBytes) / (avgSpeed * 1024 * 1024)

	switch {
	case remainingTime < 60:
		return fmt.Sprintf("%.0f sec", remainingTime)
	case remainingTime < 3600:
		return fmt.Sprintf("%.1f min", remainingTime/60)
	default:
		return fmt.Sprintf("%.1f hr", remainingTime/3600)
	}
}

// render builds the console progress line
func (r *Reporter) render(transferred int64, avgSpeed float64) string {
	if r.stats.TotalBytes <= 0 {
		return fmt.Sprintf("\r%s: %.2f MB at %.2f MB/s",
			r.stats.Role, float64(transferred)/1024/1024, avgSpeed)
	}

	percent := min(float64(transferred)/float64(r.stats.TotalBytes)*100, 100)

	const barWidth = 30
	completedWidth := int(float64(barWidth) * percent / 100)
	progressBar := strings.Repeat("█", completedWidth) + strings.Repeat("░", barWidth-completedWidth)

	return fmt.Sprintf("\r[%s] %.1f%% (%.2f/%.2f MB) at %.2f MB/s ETA: %s",
		progressBar,
		percent,
		float64(transferred)/1024/1024,
		float64(r.stats.TotalBytes)/1024/1024,
		avgSpeed,
		eta(r.stats.TotalBytes-transferred, avgSpeed))
}

// UpdateTransferred atomically updates the transferred bytes count
func (s *Stats) UpdateTransferred(bytes int64) {
	s.TransferredBytes.Add(bytes)
}

// GetTransferred atomically gets the current transferred bytes count
func (s *Stats) GetTransferred() int64 {
	return s.TransferredBytes.Load()
}
