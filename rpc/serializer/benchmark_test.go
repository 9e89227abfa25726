package serializer

import (
	"github.com/ValentinKolb/dMap/rpc/common"
	"testing"
)

// benchmarkMessages returns a set of messages for targeted benchmarking
func benchmarkMessages() map[string]common.Message {
	return map[string]common.Message{
		"Empty": {
			MsgType: common.MsgTSuccess,
		},
		"SmallGet": {
			MsgType:   common.MsgTGet,
			MapName:   "m",
			Partition: 7,
			Key:       []byte("k"),
		},
		"LargeKeyGet": {
			MsgType:   common.MsgTGet,
			MapName:   "users",
			Partition: 113,
			Key:       []byte("this-is-a-very-large-key-that-could-be-used-for-storing-data-or-as-a-document-id-in-some-cases"),
		},
		"SmallPut": {
			MsgType:   common.MsgTPut,
			MapName:   "m",
			Partition: 7,
			Key:       []byte("key"),
			Value:     []byte("v"),
			TTL:       -2,
		},
		"LargePut": {
			MsgType:   common.MsgTPut,
			MapName:   "m",
			Partition: 7,
			Key:       []byte("key"),
			Value:     make([]byte, 1024), // 1KB of data
			TTL:       -2,
		},
		"VeryLargePut": {
			MsgType:   common.MsgTPut,
			MapName:   "m",
			Partition: 7,
			Key:       []byte("key"),
			Value:     make([]byte, 1024*16), // 16KB of data
			TTL:       -2,
		},
		"BulkGetAll": {
			MsgType:   common.MsgTGetAll,
			MapName:   "m",
			Partition: 3,
			Keys:      [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e"), []byte("f"), []byte("g"), []byte("h")},
			Values:    [][]byte{make([]byte, 64), make([]byte, 64), make([]byte, 64), make([]byte, 64), make([]byte, 64), make([]byte, 64), make([]byte, 64), make([]byte, 64)},
		},
		"CompleteMessage": {
			MsgType:   common.MsgTReplaceIfSame,
			MapName:   "complete-map",
			Partition: 42,
			Key:       []byte("complete-test-key"),
			Value:     []byte("test-value-data"),
			Expected:  []byte("expected-value-data"),
			TTL:       10000,
			Timeout:   20000,
			Owner:     "owner-1",
			TxnID:     "txn-1",
			Ok:        true,
			Count:     3,
			Code:      common.RetCConflict,
			Err:       "This is a test error message",
			Payload:   []byte(`{"backup":true}`),
			Meta:      []byte("test-meta-data-for-benchmarking"),
		},
		"ErrorMessage": {
			MsgType: common.MsgTError,
			Code:    common.RetCInternal,
			Err:     "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.",
		},
	}
}

// BenchmarkSerialize benchmarks serialization for all implementations with various message types
func BenchmarkSerialize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					_, err := serializer.Serialize(msg)
					if err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDeserialize benchmarks deserialization for all implementations with various message types
func BenchmarkDeserialize(b *testing.B) {
	messages := benchmarkMessages()
	serializedData := make(map[string]map[string][]byte)

	// Pre-serialize all messages with all serializers
	for name, factory := range testSerializers {
		serializer := factory()
		serializedData[name] = make(map[string][]byte)

		for msgName, msg := range messages {
			data, err := serializer.Serialize(msg)
			if err != nil {
				b.Fatalf("Failed to serialize %s with %s: %v", msgName, name, err)
			}
			serializedData[name][msgName] = data
		}
	}

	// Benchmark deserialization
	for name, factory := range testSerializers {
		for msgName := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data := serializedData[name][msgName]
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var msg common.Message
					err := serializer.Deserialize(data, &msg)
					if err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkSize measures and reports the serialized size for each message type
func BenchmarkSize(b *testing.B) {
	messages := benchmarkMessages()

	for name, factory := range testSerializers {
		serializer := factory()

		for msgName, msg := range messages {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}

				// Report the size as a custom metric
				b.ReportMetric(float64(len(data)), "bytes")

				// Minimal loop to satisfy benchmark requirements
				for i := 0; i < b.N; i++ {
					_ = data
				}
			})
		}
	}
}
