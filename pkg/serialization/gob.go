package serialization

import (
	"encoding/gob"
	"fmt"
	"io"
)

// Gob wraps gob.Decoder and gob.Encoder. Gob is more compact than JSON for
// entry envelopes but the stored bytes are only readable by Go.
type Gob struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *Gob) Decode(v any) error {
	if err := g.dec.Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

func (g *Gob) Encode(v any) error {
	if v == nil {
		return fmt.Errorf("gob encode: nil value")
	}
	if err := g.enc.Encode(v); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func GobDecoder(r io.Reader) Decoder {
	return &Gob{dec: gob.NewDecoder(r)}
}

func GobEncoder(w io.Writer) Encoder {
	return &Gob{enc: gob.NewEncoder(w)}
}
