package progress

import "fmt"

// FormatBytes renders n with a binary unit, e.g. "1.50 MiB".
func FormatBytes(n int64) string {
	if n < 1024 {
		if n < 0 {
			n = 0
		}
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	v := float64(n) / 1024
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

// FormatRate renders a byte rate, e.g. "3.20 MiB/s".
func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(int64(bps)) + "/s"
}
