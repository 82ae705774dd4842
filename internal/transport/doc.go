// Package transport exposes the receiver and producer over HTTP and
// websockets, and provides the matching clients.
//
// Receiver surface:
// - POST /v1/transfers accepts one chunk or manifest per multipart request
// - /v1/workouts reads, deletes, retransmits and summarizes records
// - /v1/events streams committed record events
//
// Producer surface:
// - POST /v1/retransmit answers one retransmission request
//
// With an auth token configured every /v1 route requires it as a bearer
// token. A cert and key pair switches the listener to HTTPS.
package transport
