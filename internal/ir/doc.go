// Package ir provides the shared data model for replica: field values,
// entities, change events, mutations, schema definitions and the error
// taxonomy.
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types: numeric fields are int64
//   - the store never holds IRNull; null only appears in patches
//   - timestamps render in a fixed-width UTC layout so they sort as strings
//   - wire JSON tags use snake_case, entity fields keep their schema names
package ir
