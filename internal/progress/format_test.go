package progress

import "testing"

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{-1, "0 B"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{8 * 1024 * 1024, "8.00 MiB"},
		{1 << 30, "1.00 GiB"},
		{1 << 42, "4.00 TiB"},
		{1 << 52, "4096.00 TiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	if got := FormatRate(0); got != "0 B/s" {
		t.Fatalf("expected 0 B/s, got %q", got)
	}
	if got := FormatRate(2 * 1024 * 1024); got != "2.00 MiB/s" {
		t.Fatalf("expected 2.00 MiB/s, got %q", got)
	}
}
