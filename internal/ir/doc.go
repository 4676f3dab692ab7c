// Package ir defines the durable execution data model.
//
// This package contains type definitions, canonical serialization, and
// fingerprinting only. All other internal packages import ir; ir imports
// nothing internal. This keeps the data model the foundational layer with
// no circular dependencies.
//
// Key design constraints:
//   - History entries are ordered by Seq (logical clock), never by RecordedAt
//   - Seq starts at 1 and is contiguous within one ExecutionID
//   - Input fingerprints use RFC 8785 canonical JSON + SHA-256 with domain separation
//   - All JSON tags use snake_case
package ir
