package codec

// Roundtrip builds a deep-clone function from a codec: the value is encoded
// and decoded back, so the clone shares no mutable state with the original.
// Suitable as a repository CloneFunc for any codec that round-trips V
// losslessly.
func Roundtrip[V any](c Codec[V]) func(V) (V, error) {
	return func(v V) (V, error) {
		b, err := c.Encode(v)
		if err != nil {
			var zero V
			return zero, err
		}
		return c.Decode(b)
	}
}
