// Package toolgate provides in-process policy enforcement for Go agent
// frameworks. Wrap guards a tool function behind the full decision
// pipeline: the call is expressed as a typed intent, submitted as a
// one-intent batch, and only an actionable verdict lets the guarded
// function run. Blocked calls return a *BlockedError carrying the
// reason and, where applicable, the confirmation key an operator can
// grant.
//
// Usage:
//
//	gated := toolgate.Wrap(k, "research-agent", searchDocs)
//	out, err := gated(ctx, toolgate.Action{
//	    Type:       "search_web",
//	    Parameters: map[string]any{"query": "quarterly numbers"},
//	    Rationale:  "user asked for a revenue summary",
//	})
//	var blocked *toolgate.BlockedError
//	if errors.As(err, &blocked) {
//	    // surface blocked.ConfirmationKey to the operator
//	}
//
// The SDK links directly against internal packages for zero-subprocess
// overhead. External users import github.com/ppiankov/toolgate/sdk/go/toolgate.
package toolgate
