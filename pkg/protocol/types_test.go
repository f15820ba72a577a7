package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadIntegers(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint8(buf, 200))
	require.NoError(t, WriteUint16(buf, 65535))
	require.NoError(t, WriteUint32(buf, 1<<31))
	require.NoError(t, WriteUint64(buf, 1<<63))
	require.NoError(t, WriteInt64(buf, -42))

	u8, err := ReadUint8(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(200), u8)

	u16, err := ReadUint16(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), u16)

	u32, err := ReadUint32(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<31), u32)

	u64, err := ReadUint64(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), u64)

	i64, err := ReadInt64(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i64)
}

func TestWriteReadBool(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteBool(buf, true))
	require.NoError(t, WriteBool(buf, false))
	buf.WriteByte(0x7F) // any non-zero byte is true

	for _, want := range []bool{true, false, true} {
		got, err := ReadBool(buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWriteReadString(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr error
	}{
		{"empty", "", nil},
		{"ascii", "hello", nil},
		{"utf8", "¿qué tal? 🎤", nil},
		{"max length", strings.Repeat("a", MaxStringLength), nil},
		{"too long", strings.Repeat("a", MaxStringLength+1), ErrStringTooLong},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := WriteString(buf, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := ReadString(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestReadStringTruncated(t *testing.T) {
	_, err := ReadString(bytes.NewReader([]byte{0x00, 0x05, 'h', 'i'}))
	assert.Error(t, err)
}

func TestWriteReadBytes(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteBytes(buf, nil))
	require.NoError(t, WriteBytes(buf, []byte{1, 2, 3}))

	empty, err := ReadBytes(buf)
	require.NoError(t, err)
	assert.Nil(t, empty)

	data, err := ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestReadBytesRejectsOversizedLength(t *testing.T) {
	_, err := ReadBytes(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	assert.ErrorIs(t, err, ErrBlobTooLarge)
}

func TestWriteReadStringList(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteStringList(buf, []string{"alice", "bob", ""}))
	require.NoError(t, WriteStringList(buf, nil))

	list, err := ReadStringList(buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", ""}, list)

	empty, err := ReadStringList(buf)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestWriteReadTimestamp(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli())

	buf := new(bytes.Buffer)
	require.NoError(t, WriteTimestamp(buf, now))
	require.NoError(t, WriteTimestamp(buf, time.Time{}))

	got, err := ReadTimestamp(buf)
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	zero, err := ReadTimestamp(buf)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
