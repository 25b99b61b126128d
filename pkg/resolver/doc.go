// Package resolver resolves the cross-reference URLs of a character record.
//
// All references of one record (films, species, starships, vehicles) are
// fetched concurrently as a single batch. Each fetch is tagged with its
// category and list position when it is submitted and writes only to its own
// result slot, so results can never be attributed to the wrong category.
//
// Example usage:
//
//	res := resolver.New(swapiClient, resolver.DefaultConfig())
//	names, err := res.Resolve(ctx, primary)
//	flat := record.Normalize(primary, names)
//
// Resolution is all-or-nothing: the first failed fetch cancels the rest of the
// batch and Resolve returns a *ResolutionError wrapping it. Resolved objects
// without the category's display field ("title" for films, "name" otherwise)
// are dropped.
package resolver
