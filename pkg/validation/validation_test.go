package validation

import (
	"strings"
	"testing"
)

type identity struct {
	Name   string `json:"user_name" validate:"required,max=10"`
	Avatar string `json:"avatar" validate:"max=5"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		value   identity
		wantErr string
	}{
		{"valid", identity{Name: "Ann"}, ""},
		{"missing name", identity{}, "user_name is required"},
		{"long name", identity{Name: strings.Repeat("a", 11)}, "user_name is too long (max 10)"},
		{"long avatar", identity{Name: "Ann", Avatar: "abcdef"}, "avatar is too long (max 5)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.value)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Struct() unexpected error = %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("Struct() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRoomID(t *testing.T) {
	tests := []struct {
		name    string
		roomID  string
		wantErr bool
	}{
		{"valid uuid", "9b2f5c1e-0d7a-4f3e-8a51-3c2b1d0e9f87", false},
		{"valid with underscore", "room_1", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"path separator", "room/1", true},
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

func TestValidateChatMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("x", MaxChatMessageLength+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatMessage(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChatMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://localhost:8080/api/v1", false},
		{"ws", "ws://localhost:8080/api/v1", false},
		{"empty", "", true},
		{"ftp", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("héllo", 1, 5, "name"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStringLength("", 1, 5, "name"); err == nil {
		t.Error("expected error for empty string")
	}
}
