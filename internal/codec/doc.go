// Package codec owns the sample wire encoding.
//
// Ownership boundary:
// - tag/width primitives for unsigned ints, float64, text and byte strings
// - definite and indefinite array headers, definite map headers
// - strict decoding: major-type assertion, bounded reads, utf-8 validation
//
// The layout is the CBOR data model restricted to the constructs above, so
// blobs remain readable by generic CBOR tooling.
package codec
