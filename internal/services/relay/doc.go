// Package relay implements the code-paired file transfer relay.
//
// A host registers for a token over WebSocket, a sender proves possession of
// the matching code and token with an init message, and the relay forwards
// binary chunks and control messages between the two. When no host is
// registered the chunks are written to the uploads directory instead.
package relay
