// Package fuzztests houses Go fuzz harnesses for the input-facing parts of
// movecheck: manifest decoding, assembly, type expressions, and replaying
// whatever assembles under the paranoid checker. A harness fails only on
// panics or hangs; rejected inputs are fine.
package fuzztests
