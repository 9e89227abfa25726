package serializer

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dMap/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Put request
		{
			MsgType:   common.MsgTPut,
			MapName:   "users",
			Partition: 12,
			Key:       []byte("test-key"),
			Value:     []byte("test-value"),
			TTL:       -2,
		},

		// Get response
		{
			MsgType: common.MsgTGet,
			Value:   []byte("test-value"),
			Ok:      true,
		},

		// Member scoped request
		{
			MsgType:   common.MsgTSize,
			MapName:   "users",
			Partition: -1,
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Code:    common.RetCLocked,
			Err:     "test error message",
		},

		// Bulk request
		{
			MsgType:   common.MsgTPutAll,
			MapName:   "users",
			Partition: 3,
			Keys:      [][]byte{[]byte("a"), []byte("b")},
			Values:    [][]byte{[]byte("1"), []byte("2")},
		},

		// Message with all fields filled
		{
			MsgType:   common.MsgTRemoveIfSame,
			MapName:   "orders",
			Partition: 270,
			Key:       []byte("test-lock-key"),
			Value:     []byte("test-value"),
			Expected:  []byte("expected"),
			TTL:       60,
			Timeout:   300,
			Owner:     "owner",
			TxnID:     "txn",
			Keys:      [][]byte{[]byte("k")},
			Values:    [][]byte{[]byte("v")},
			Ok:        true,
			Count:     9,
			Code:      common.RetCConflict,
			Err:       "conflict",
			Payload:   []byte(`{"backup":true}`),
			Meta:      []byte("test-meta-data"),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// Test each message type (don't test for MsgTUnknown since this should raise an error)
			for msgType := common.MsgTSuccess; msgType <= common.MsgTCustom; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Empty value slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTPut,
				Key:     []byte("test"),
				Value:   []byte{},
			},
		},
		{
			name: "Empty key and expected slices",
			msg: common.Message{
				MsgType:  common.MsgTReplaceIfSame,
				Key:      []byte{},
				Expected: []byte{},
				Value:    []byte("v"),
			},
		},
		{
			name: "Ok without any other field",
			msg: common.Message{
				MsgType: common.MsgTContainsKey,
				Ok:      true,
			},
		},
		{
			name: "Negative ttl and partition",
			msg: common.Message{
				MsgType:   common.MsgTPutTransient,
				Partition: -1,
				TTL:       -1,
				Timeout:   -5,
			},
		},
		{
			name: "Empty bulk lists",
			msg: common.Message{
				MsgType: common.MsgTGetAll,
				Keys:    [][]byte{},
				Values:  [][]byte{},
			},
		},
		{
			name: "Empty meta and payload slices",
			msg: common.Message{
				MsgType: common.MsgTCustom,
				Payload: []byte{},
				Meta:    []byte{},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Serialize
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			// Deserialize
			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if tc.msg.MsgType != result.MsgType {
				t.Errorf("MsgType mismatch: expected %v, got %v", tc.msg.MsgType, result.MsgType)
			}
			if tc.msg.Partition != result.Partition {
				t.Errorf("Partition mismatch: expected %d, got %d", tc.msg.Partition, result.Partition)
			}
			if tc.msg.TTL != result.TTL || tc.msg.Timeout != result.Timeout {
				t.Errorf("TTL/Timeout mismatch: expected %d/%d, got %d/%d", tc.msg.TTL, tc.msg.Timeout, result.TTL, result.Timeout)
			}
			if tc.msg.Ok != result.Ok {
				t.Errorf("Ok mismatch: expected %v, got %v", tc.msg.Ok, result.Ok)
			}

			// nil and empty byte slices must stay distinguishable
			checkBytes := func(field string, want, got []byte) {
				if (want == nil) != (got == nil) {
					t.Errorf("%s nil/non-nil mismatch: expected %v, got %v", field, want, got)
				} else if !bytes.Equal(want, got) {
					t.Errorf("%s content mismatch: expected %v, got %v", field, want, got)
				}
			}
			checkBytes("Key", tc.msg.Key, result.Key)
			checkBytes("Value", tc.msg.Value, result.Value)
			checkBytes("Expected", tc.msg.Expected, result.Expected)
			checkBytes("Payload", tc.msg.Payload, result.Payload)
			checkBytes("Meta", tc.msg.Meta, result.Meta)

			if (tc.msg.Keys == nil) != (result.Keys == nil) || len(tc.msg.Keys) != len(result.Keys) {
				t.Errorf("Keys mismatch: expected %v, got %v", tc.msg.Keys, result.Keys)
			}
			if (tc.msg.Values == nil) != (result.Values == nil) || len(tc.msg.Values) != len(result.Values) {
				t.Errorf("Values mismatch: expected %v, got %v", tc.msg.Values, result.Values)
			}
		})
	}
}

// TestBinaryDecodeCopies tests that decoded byte fields do not alias the frame buffer
func TestBinaryDecodeCopies(t *testing.T) {
	serializer := NewBinarySerializer()
	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTPut, Key: []byte("k"), Value: []byte("v")})
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}
	var result common.Message
	if err := serializer.Deserialize(data, &result); err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	for i := range data {
		data[i] = 0
	}
	if string(result.Key) != "k" || string(result.Value) != "v" {
		t.Errorf("decoded fields changed with the buffer: %q %q", result.Key, result.Value)
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0, 0}, // message type and a partial flag mask
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 0, 0, 4, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 0, 0, 8, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Missing partition",
			data:        []byte{1, 0, 0, 0, 2, 0, 0, 0}, // Partition needs 8 bytes
			expectError: true,
		},
		{
			name:        "Oversized key list",
			data:        []byte{1, 0, 0, 2, 0, 0xff, 0xff, 0xff, 0xff}, // Claims 2^32-1 keys
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
