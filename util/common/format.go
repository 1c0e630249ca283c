package common

import (
	"fmt"
	"math"
)

func FormatTraffic(trafficBytes int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	unitIndex := 0
	size := float64(trafficBytes)

	for size >= 1024 && unitIndex < len(units)-1 {
		size /= 1024
		unitIndex++
	}
	return fmt.Sprintf("%.2f%s", size, units[unitIndex])
}

// GBToBytes converts a gigabyte quota to bytes. Zero stays zero, which panels
// read as unlimited.
func GBToBytes(gb float64) int64 {
	if gb <= 0 {
		return 0
	}
	return int64(gb * 1024 * 1024 * 1024)
}

// BytesToGB converts bytes to gigabytes rounded to 4 decimal places.
func BytesToGB(b int64) float64 {
	if b <= 0 {
		return 0
	}
	return math.Round(float64(b)/(1024*1024*1024)*10000) / 10000
}
