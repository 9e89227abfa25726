package base

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = writeFrame(a, 42, 7, []byte("partition payload"))
	}()

	partitionID, requestID, data, err := readFrame(b, make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), partitionID)
	assert.Equal(t, uint64(7), requestID)
	assert.Equal(t, "partition payload", string(data))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		header := make([]byte, frameHeaderSize)
		binary.BigEndian.PutUint64(header[:8], 1)
		binary.BigEndian.PutUint64(header[8:16], 1)
		binary.BigEndian.PutUint32(header[16:20], MaxFrameSize+1)
		_, _ = a.Write(header)
	}()

	_, _, _, err := readFrame(b, nil)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}
