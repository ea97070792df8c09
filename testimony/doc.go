// Testimony ledger and testimony windows.
//
// The ledger decides whether an inbound testimony may enter the record store: self-testimony and unsupported standing-basis claims are rejected here, so they never reach a standing computation. Windows are derived views over the testimony gathered toward a single moderation decision.
package testimony
