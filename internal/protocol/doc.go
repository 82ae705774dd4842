// Package protocol owns the transfer wire contracts.
//
// Ownership boundary:
// - chunk transfer metadata and the manifest message
// - retransmission request/reply envelopes
// - file naming for chunk, merged and summary blobs
//
// Every message type carries a Validate method; decoders call it before
// handing a value to the rest of the system.
package protocol
