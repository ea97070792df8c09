// Advisory read-through cache for derived projections (standing states, action states, testimony windows), serialized as JSON.
//
// Cache contents are never authoritative: every entry can be recomputed from stored records, and a miss (or an unreachable cache) only costs a recomputation.
//
// Includes an interface and implementations using redis and in-process memory.
package cachestore
