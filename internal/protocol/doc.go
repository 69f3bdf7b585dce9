// Package protocol groups the distribution wire layers.
//
// Ownership boundary:
// - term: external term format codec
// - frame: length-prefixed framing and ticks
// - handshake: name/challenge/digest exchange
// - control: pass-through control messages
package protocol
