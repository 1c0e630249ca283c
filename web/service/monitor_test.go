package service

import (
	"testing"

	"panelbridge/database/model"
)

const testGB = int64(1) << 30

func TestEvaluate(t *testing.T) {
	now := int64(1_700_000_000_000)

	tests := []struct {
		name     string
		in       evalInput
		expected evalAction
	}{
		{
			name: "active under threshold does nothing",
			in:   evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 5 * testGB, NowMs: now},
		},
		{
			name:     "warn fires at exactly 70 percent",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 7 * testGB, NowMs: now},
			expected: evalAction{Warn: true},
		},
		{
			name: "just below threshold stays quiet",
			in:   evalInput{Status: model.StatusActive, TotalBytes: 1000 * testGB, UsedBytes: 699 * testGB, NowMs: now},
		},
		{
			name: "warn fires only once",
			in:   evalInput{Status: model.StatusActive, Warned70: true, TotalBytes: 10 * testGB, UsedBytes: 8 * testGB, NowMs: now},
		},
		{
			name:     "exactly exhausted",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 10 * testGB, NowMs: now},
			expected: evalAction{Exhaust: true},
		},
		{
			name:     "overage at tolerance boundary still only exhausts",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 11 * testGB, NowMs: now},
			expected: evalAction{Exhaust: true},
		},
		{
			name:     "ratio past tolerance hard deletes",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 12 * testGB, NowMs: now},
			expected: evalAction{HardDelete: true},
		},
		{
			name:     "absolute overage past a gigabyte hard deletes",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 100 * testGB, UsedBytes: 102 * testGB, NowMs: now},
			expected: evalAction{HardDelete: true},
		},
		{
			name:     "expired by time",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 3 * testGB, ExpiryMs: now - 1000, NowMs: now},
			expected: evalAction{Expire: true},
		},
		{
			name:     "expiry boundary counts as expired",
			in:       evalInput{Status: model.StatusActive, ExpiryMs: now, NowMs: now},
			expected: evalAction{Expire: true},
		},
		{
			name: "zero expiry never expires",
			in:   evalInput{Status: model.StatusActive, ExpiryMs: 0, NowMs: now},
		},
		{
			name:     "volume exhaustion wins over time expiry",
			in:       evalInput{Status: model.StatusActive, TotalBytes: 10 * testGB, UsedBytes: 10 * testGB, ExpiryMs: now - 1000, NowMs: now},
			expected: evalAction{Exhaust: true},
		},
		{
			name: "unlimited row ignores volume entirely",
			in:   evalInput{Status: model.StatusActive, TotalBytes: 0, UsedBytes: 500 * testGB, NowMs: now},
		},
		{
			name: "terminal row within tolerance does nothing",
			in:   evalInput{Status: model.StatusExhausted, TotalBytes: 10 * testGB, UsedBytes: 10 * testGB, NowMs: now},
		},
		{
			name:     "terminal row consuming past tolerance escalates",
			in:       evalInput{Status: model.StatusExhausted, TotalBytes: 10 * testGB, UsedBytes: 12 * testGB, NowMs: now},
			expected: evalAction{HardDelete: true},
		},
		{
			name: "expired terminal row never re-expires",
			in:   evalInput{Status: model.StatusExpired, ExpiryMs: now - 1000, NowMs: now},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := evaluate(tt.in)
			if got != tt.expected {
				t.Errorf("evaluate() = %+v, expected %+v", got, tt.expected)
			}
		})
	}
}

func TestPastTolerance(t *testing.T) {
	tests := []struct {
		name     string
		ratio    float64
		overage  int64
		expected bool
	}{
		{"exactly at ratio boundary", 1.10, 1 * testGB, false},
		{"just past ratio boundary", 1.11, 0, true},
		{"exactly one gigabyte over", 1.05, 1 * testGB, false},
		{"more than one gigabyte over", 1.02, 2 * testGB, true},
		{"well within tolerance", 1.01, 100 << 20, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pastTolerance(tt.ratio, tt.overage); got != tt.expected {
				t.Errorf("pastTolerance(%v, %d) = %v, expected %v", tt.ratio, tt.overage, got, tt.expected)
			}
		})
	}
}
