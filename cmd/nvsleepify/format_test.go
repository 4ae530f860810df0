package main

import "testing"

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name  string
		input uint64
		want  string
	}{
		{
			name:  "bytes",
			input: 512,
			want:  "512 B",
		},
		{
			name:  "kibibytes",
			input: 4 * 1024,
			want:  "4 KiB",
		},
		{
			name:  "mebibytes with fraction",
			input: 1536 * 1024,
			want:  "1.5 MiB",
		},
		{
			name:  "typical vram size",
			input: 8 * 1024 * 1024 * 1024,
			want:  "8 GiB",
		},
		{
			name:  "zero",
			input: 0,
			want:  "0 B",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatBytes(tt.input); got != tt.want {
				t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
