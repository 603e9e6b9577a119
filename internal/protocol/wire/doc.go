// Package wire encodes lattice bus messages as framed TLV payloads.
//
// Every bus message body is exactly one frame (see package frame). Each Encode
// function validates its input, builds the field list, checks it against the
// schema requirement table, and frames it. Decode functions accept a frame and
// ignore fields they do not know.
package wire
