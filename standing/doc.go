// Standing computation: a decayed, confidence-weighted summary score ("phi") and a discrete tier, derived from a set of testimonies.
//
// Phi is a lossy summary. A [State] always carries the methodology that produced it, and callers are expected to present it next to the raw testimonies it was computed from.
package standing
