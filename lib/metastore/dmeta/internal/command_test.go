package internal

import (
	"bytes"
	"testing"
)

func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "put with definition",
			command:  Command{Type: CommandTPut, Name: "orders", Definition: []byte(`{"name":"orders"}`)},
			expected: 1 + 4 + 6 + 17,
		},
		{
			name:     "delete",
			command:  Command{Type: CommandTDelete, Name: "orders"},
			expected: 1 + 4 + 6,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.command.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
		})
	}
}

func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{"put", Command{Type: CommandTPut, Name: "orders", Definition: []byte(`{"name":"orders"}`)}},
		{"delete", Command{Type: CommandTDelete, Name: "orders"}},
		{"empty name", Command{Type: CommandTPut, Name: "", Definition: []byte("{}")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()
			var got Command
			if err := got.Deserialize(data); err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if got.Type != tt.command.Type || got.Name != tt.command.Name || !bytes.Equal(got.Definition, tt.command.Definition) {
				t.Errorf("round trip = %+v, want %+v", got, tt.command)
			}
		})
	}
}

func TestDeserializeErrors(t *testing.T) {
	var c Command
	if err := c.Deserialize([]byte{0, 0}); err == nil {
		t.Errorf("expected error for short header")
	}
	if err := c.Deserialize([]byte{0, 0, 0, 0, 10, 'a'}); err == nil {
		t.Errorf("expected error for truncated name")
	}
}
