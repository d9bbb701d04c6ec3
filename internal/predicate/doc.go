// Package predicate evaluates filter/condition trees and sort directives
// over entities.
//
// SEALED INTERFACE:
//
// Predicate is sealed with a marker method; only the types in this package
// implement it, so evaluators and encoders switch over it exhaustively:
//
//	leaves:      Compare, Between, Exists, TypeIs, Size
//	combinators: And, Or, Not
//
// NULL POLICY:
//
// A leaf over an absent (or null) field is false, with one exception:
// Exists{Want: false} is true for absent fields. Comparisons between values
// of different types are false. And{} is true (All); Or{} is false.
//
// WIRE GRAMMAR:
//
// Filters and conditions travel as JSON objects shaped like GraphQL model
// inputs, and sort directives as lists:
//
//	{"rating": {"gt": 0}, "or": [{"status": {"eq": "DRAFT"}}, {"title": {"beginsWith": "A"}}]}
//	[{"field": "rating", "direction": "ASC"}, {"field": "title", "direction": "DESC"}]
//
// ParseFilter/MarshalFilter and ParseSort/MarshalSort convert between the
// wire form and the tree. Marshaling is canonical, so equal trees encode to
// identical bytes.
package predicate
