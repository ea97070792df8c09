// Ingestion and cross-lane propagation for moderation, appeal, testimony, and governance records.
//
// The engine validates each inbound item (schema, references, authority at execution time, testimony admission), appends it to the record store, and refreshes the derived projections it touches: action states, testimony windows, and standing. Items whose references are not yet known are deferred and retried, then dead-lettered. It also serves the query surface over those projections.
package engine
