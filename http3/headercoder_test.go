package http3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusquic/nexus/quic"
)

func TestHeaderCoderRoundTrip(t *testing.T) {
	enc := NewHeaderCoder(0)
	dec := NewHeaderCoder(0)

	list := quic.HeaderList{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/echo"},
		{Name: "user-agent", Value: "nexus-test"},
		{Name: "authorization", Value: "secret", NeverIndex: true},
	}

	block, err := enc.Encode(list)
	require.NoError(t, err)
	got, err := dec.Decode(block)
	require.NoError(t, err)
	require.Len(t, got, len(list))
	for i, h := range list {
		assert.Equal(t, h.Name, got[i].Name)
		assert.Equal(t, h.Value, got[i].Value)
	}
}

func TestHeaderCoderPreservesInsertionOrder(t *testing.T) {
	enc := NewHeaderCoder(4096)
	dec := NewHeaderCoder(4096)

	list := quic.HeaderList{
		{Name: "z-first", Value: "1"},
		{Name: "a-second", Value: "2"},
	}
	block, err := enc.Encode(list)
	require.NoError(t, err)
	got, err := dec.Decode(block)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "z-first", got[0].Name)
	assert.Equal(t, "a-second", got[1].Name)
}

func TestHeaderCoderEncoderReusesDynamicTableAcrossCalls(t *testing.T) {
	enc := NewHeaderCoder(4096)
	first, err := enc.Encode(quic.HeaderList{{Name: "x-repeat", Value: "same-value"}})
	require.NoError(t, err)
	second, err := enc.Encode(quic.HeaderList{{Name: "x-repeat", Value: "same-value"}})
	require.NoError(t, err)
	// A repeated identical field should encode smaller once it's in the
	// dynamic table (an indexed reference instead of a literal).
	assert.Less(t, len(second), len(first))
}

var _ quic.HeaderCodec = (*HeaderCoder)(nil)
