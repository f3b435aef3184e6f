// Package http3 supplies the one external collaborator quic.Engine
// leaves as a seam: a concrete quic.HeaderCodec. The core never parses
// header bytes itself (see quic/stream.go's length-prefix framing); it
// just hands a HeaderCodec's output to a stream like any other payload.
//
// Grounded on cloudflare-cloudflared/h2mux, which keeps its own
// *hpack.Encoder/*hpack.Decoder pair per muxer (h2mux.go, muxwriter.go)
// rather than allocating one per call. HPACK's dynamic table is
// genuinely RFC 7541 HPACK, not RFC 9204 QPACK (QPACK adds the
// encoder/decoder stream indirection HTTP/3 needs to avoid head-of-line
// blocking on 0-RTT reorder); DESIGN.md records why that distinction is
// left as a documented simplification here.
package http3

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"

	"github.com/nexusquic/nexus/quic"
)

// HeaderCoder is the concrete quic.HeaderCodec, backed by
// golang.org/x/net/http2/hpack. It is not safe for concurrent use by
// multiple goroutines without external locking: like h2mux's
// MuxWriter.headerEncoder, the encoder's dynamic table is per-instance
// state that successive Encode calls build on.
type HeaderCoder struct {
	buf     bytes.Buffer
	encoder *hpack.Encoder
	decoder *hpack.Decoder
}

// NewHeaderCoder returns a HeaderCoder whose decoder's dynamic table is
// sized to maxTableSize bytes, mirroring h2mux.go's hpack.NewDecoder(4096, ...)
// call (4096 is HTTP/2's SETTINGS_HEADER_TABLE_SIZE default, reused here
// as this coder's default too). The encoder keeps hpack's default
// 4096-byte table whatever maxTableSize is.
func NewHeaderCoder(maxTableSize uint32) *HeaderCoder {
	if maxTableSize == 0 {
		maxTableSize = 4096
	}
	c := &HeaderCoder{}
	c.encoder = hpack.NewEncoder(&c.buf)
	c.decoder = hpack.NewDecoder(maxTableSize, nil)
	return c
}

// Encode renders a HeaderList as an HPACK block, one WriteField call per
// entry in list order, exactly as MuxWriter.encodeHeaders does.
func (c *HeaderCoder) Encode(list quic.HeaderList) ([]byte, error) {
	c.buf.Reset()
	for _, h := range list {
		err := c.encoder.WriteField(hpack.HeaderField{
			Name:      h.Name,
			Value:     h.Value,
			Sensitive: h.NeverIndex,
		})
		if err != nil {
			return nil, fmt.Errorf("http3: encode header %q: %w", h.Name, err)
		}
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Decode parses an HPACK block back into a HeaderList, preserving
// wire order the way muxreader.go's onHeadersFrame loop appends fields
// as they're emitted rather than sorting them.
func (c *HeaderCoder) Decode(block []byte) (quic.HeaderList, error) {
	var list quic.HeaderList
	c.decoder.SetEmitFunc(func(f hpack.HeaderField) {
		list = append(list, quic.Header{Name: f.Name, Value: f.Value, NeverIndex: f.Sensitive})
	})
	if _, err := c.decoder.Write(block); err != nil {
		return nil, fmt.Errorf("http3: decode header block: %w", err)
	}
	if err := c.decoder.Close(); err != nil {
		return nil, fmt.Errorf("http3: close header decoder: %w", err)
	}
	return list, nil
}

var _ quic.HeaderCodec = (*HeaderCoder)(nil)
