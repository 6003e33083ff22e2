package validation

import (
	"math"
	"strings"
	"testing"
)

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid", "standup-42", false},
		{"underscore", "team_sync", false},
		{"empty", "", true},
		{"space", "team sync", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("r", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRoomID(tt.roomID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRoomID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "alice", false},
		{"email-like", "alice@example.com", false},
		{"empty", "", true},
		{"colon", "a:b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParticipantID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParticipantID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	if err := ValidateDisplayName("Ada Lovelace"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateDisplayName("   "); err == nil {
		t.Error("expected error for blank name")
	}
	if err := ValidateDisplayName(strings.Repeat("n", 101)); err == nil {
		t.Error("expected error for long name")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://cdn.example.com/a.png", false},
		{"wss://relay.example.com/ws", false},
		{"ftp://example.com", true},
		{"", true},
		{"https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSegment(t *testing.T) {
	tests := []struct {
		name       string
		id, text   string
		start, end int64
		confidence float64
		wantErr    bool
	}{
		{"valid", "seg-1", "hello there", 0, 1200, 0.93, false},
		{"zero length", "seg-1", "ok", 500, 500, 1, false},
		{"missing id", "", "hello", 0, 1, 0.5, true},
		{"blank text", "seg-1", "  ", 0, 1, 0.5, true},
		{"negative start", "seg-1", "hi", -1, 1, 0.5, true},
		{"end before start", "seg-1", "hi", 10, 5, 0.5, true},
		{"confidence above one", "seg-1", "hi", 0, 1, 1.5, true},
		{"confidence nan", "seg-1", "hi", 0, 1, math.NaN(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSegment(tt.id, tt.text, tt.start, tt.end, tt.confidence)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSegment() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
