// Identifier and reference types shared by every part of the engine.
//
// Records are addressed by a [Ref]: the owning account's [DID], the record
// [Collection], and a record key. Refs render as AT-URIs
// (`at://<did>/<collection>/<rkey>`) and may carry the record's content hash
// as a CID for integrity checks.
//
// Always use the Parse* helpers instead of wrapping strings directly,
// especially when working with network input.
package syntax
