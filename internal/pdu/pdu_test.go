package pdu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		opcode   uint32
		payload  []byte
		optional []byte
	}{
		{"empty payload", 1, nil, nil},
		{"short payload", 7, []byte("ping"), nil},
		{"with optional", 9, []byte("hello"), []byte("attrs")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var od *OptionalData
			if tc.optional != nil {
				od = NewOptionalData(tc.optional, 0xCAFE)
			}
			p := New(tc.opcode, tc.payload, od)

			var buf bytes.Buffer
			require.NoError(t, p.MarshalTo(&buf))
			assert.Equal(t, p.WireLen(), buf.Len())

			got, err := Decode(&buf)
			require.NoError(t, err)
			assert.True(t, p.Equal(got))
		})
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	p := New(1, []byte("x"), nil)
	p.Version = Version + 1

	var buf bytes.Buffer
	require.NoError(t, p.MarshalTo(&buf))

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrVersionInvalid)
}

func TestDecodeFromBufferShort(t *testing.T) {
	p := New(1, []byte("hello"), nil)
	var buf bytes.Buffer
	require.NoError(t, p.MarshalTo(&buf))
	full := buf.Bytes()

	_, _, err := DecodeFromBuffer(full[:HeaderSize-1])
	require.ErrorIs(t, err, ErrShortHeader)

	_, _, err = DecodeFromBuffer(full[:len(full)-1])
	require.ErrorIs(t, err, ErrShortBody)

	got, consumed, err := DecodeFromBuffer(full)
	require.NoError(t, err)
	assert.Equal(t, len(full), consumed)
	assert.True(t, p.Equal(got))
}

func TestOptionalDataRefcount(t *testing.T) {
	od := NewOptionalData([]byte("shared"), 1)
	a := New(1, []byte("a"), od.Retain())
	b := New(2, []byte("b"), od.Retain())
	od.Release()

	assert.Equal(t, "shared", string(a.Optional.Bytes()))
	assert.Equal(t, "shared", string(b.Optional.Bytes()))
	a.Optional.Release()
	b.Optional.Release()
}

func FuzzDecodeFromBuffer(f *testing.F) {
	p := New(7, []byte("ping"), NewOptionalData([]byte("x"), 1))
	var buf bytes.Buffer
	_ = p.MarshalTo(&buf)
	f.Add(buf.Bytes())
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("DecodeFromBuffer panicked: %v", r)
			}
		}()
		_, _, _ = DecodeFromBuffer(data)
	})
}
