package codec

// Codec encodes/decodes values V to []byte for overflow storage and for
// codec-based deep cloning.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
