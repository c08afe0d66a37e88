// Package protocol implements the webcast binary envelopes: the outer push
// frame, the gzip-compressed inner response, and the typed sub-messages
// carried inside it. The schema is owned by the upstream service, so the
// codec works directly on the protobuf wire format rather than generated
// types. Decoding is pure: no I/O, no state.
package protocol
