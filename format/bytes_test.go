package format

import (
	"testing"
)

func TestHumanBytes(t *testing.T) {
	type testCase struct {
		input    int64
		expected string
	}

	tests := []testCase{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{12_345, "12 KB"},
		{1_000_000, "1 MB"},
		{2_500_000, "2.5 MB"},
		{16_777_216, "16 MB"},
		{1_000_000_000, "1 GB"},
		{3_200_000_000_000, "3.2 TB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanBytes(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestHumanBytes2(t *testing.T) {
	tests := map[uint64]string{
		512:              "512 B",
		1024:             "1.0 KiB",
		1536:             "1.5 KiB",
		16 * 1024 * 1024: "16.0 MiB",
		3 << 30:          "3.0 GiB",
	}

	for input, expected := range tests {
		if result := HumanBytes2(input); result != expected {
			t.Errorf("HumanBytes2(%d) = %s, want %s", input, result, expected)
		}
	}
}
