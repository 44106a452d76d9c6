package modular

import "context"

// Call-chain tracking is the "optional aid" from spec.md §4.4: an ordered
// list of "package:method" descriptors capturing the path by which control
// reached the current module. It is carried on the context rather than on
// the Registry value itself, since the chain must reflect the actual
// dynamic call graph of a single request — including calls that cross a
// native or WASM boundary and come back in — and context.Context is
// already the vehicle Invoke/Run use to carry per-call state (mirroring
// the teacher's own ctx-carried invokeContext). No correctness property
// depends on this chain; it exists purely for diagnostics.
type chainKey struct{}

func pushChain(ctx context.Context, entry string) context.Context {
	existing, _ := ctx.Value(chainKey{}).([]string)
	next := make([]string, len(existing)+1)
	copy(next, existing)
	next[len(existing)] = entry
	return context.WithValue(ctx, chainKey{}, next)
}

// ChainFromContext returns a defensive copy of the call-chain accumulated
// on ctx so far, oldest entry first.
func ChainFromContext(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}
