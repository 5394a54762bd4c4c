package rpc

import (
	"encoding/json"
	"testing"
)

func TestDecodeQuantity(t *testing.T) {
	tests := []struct {
		raw     string
		want    uint64
		wantErr bool
	}{
		{raw: `42`, want: 42},
		{raw: `"0x2a"`, want: 42},
		{raw: `"0X2A"`, want: 42},
		{raw: `"1024"`, want: 1024},
		{raw: `1.2e6`, want: 1200000},
		{raw: `0`, want: 0},
		{raw: `-1`, wantErr: true},
		{raw: `1.5`, wantErr: true},
		{raw: `null`, wantErr: true},
		{raw: `"abc"`, wantErr: true},
		{raw: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := DecodeQuantity(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeQuantity(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("DecodeQuantity(%s) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeLength(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: `[]`, want: 0},
		{raw: `[{"id":0},{"id":1},{"id":2}]`, want: 3},
		{raw: `null`, wantErr: true},
		{raw: `{"a":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := DecodeLength(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeLength(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DecodeLength(%s) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestField(t *testing.T) {
	raw := json.RawMessage(`{"locked":{"used":65536,"free":0},"blocks":12}`)

	got, err := Field(raw, "locked", "used")
	if err != nil {
		t.Fatalf("Field(locked.used) error = %v", err)
	}
	if string(got) != "65536" {
		t.Errorf("Field(locked.used) = %s, want 65536", got)
	}

	if _, err := Field(raw, "locked", "missing"); err == nil {
		t.Error("Field(locked.missing) should fail")
	}
	if _, err := Field(raw, "blocks", "inner"); err == nil {
		t.Error("Field(blocks.inner) should fail on non-object")
	}
}
