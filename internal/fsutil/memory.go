package fsutil

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

// GetSystemMemory returns available memory in bytes.
func GetSystemMemory() (uint64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024, nil
					}
				}
			}
		}
	}

	// Fallback to syscall if /proc/meminfo parsing fails
	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return uint64(sysinfo.Freeram) * uint64(sysinfo.Unit), nil
}

// FrameBytes is the in-memory size of a float32 frame.
func FrameBytes(rows, cols, channels int) uint64 {
	return uint64(rows) * uint64(cols) * uint64(channels) * 4
}

// ResidentFrames decides how many of frames (each frameBytes large) stay in memory under
// limit; the rest are spooled to disk. A zero limit falls back to half the available RAM,
// and to keeping everything resident when that cannot be determined.
func ResidentFrames(frames int, frameBytes, limit uint64, logger *slog.Logger) int {
	if frames <= 0 || frameBytes == 0 {
		return frames
	}
	if limit == 0 {
		avail, err := GetSystemMemory()
		if err != nil {
			if logger != nil {
				logger.Debug("failed to get system memory info", "error", err)
			}
			return frames
		}
		limit = avail / 2
	}

	resident := int(limit / frameBytes)
	if resident > frames {
		resident = frames
	}
	if logger != nil && resident < frames {
		logger.Info("memory budget exceeded, spooling frames",
			"budget", humanize.IBytes(limit),
			"frame_size", humanize.IBytes(frameBytes),
			"resident", resident,
			"spooled", frames-resident,
		)
	}
	return resident
}
