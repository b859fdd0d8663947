// Package consensus implements the Cascade Consensus pipeline that orders
// commits: a Byzantine-reliable CAC broadcast detects whether concurrent
// commits conflict, a restrained consensus lets the conflicting senders
// settle small conflicts quickly, a second CAC broadcast agrees on the
// restrained result, and a simplified PBFT decides as a last resort. The
// cascade orchestrates the four and exposes a single propose/validate
// surface to the delivery service.
//
// The protocols follow T. Albouy et al., Context Adaptive Cooperation (CAC
// broadcast and restrained consensus) and M. Castro et al., Practical
// Byzantine Fault Tolerance (full consensus). All protocol signatures are
// MLS authenticated contents issued by the group state, so consensus
// traffic is bound to the group and epoch it belongs to.
//
// Everything in this package runs on the reactor goroutine and is scoped
// to an epoch: NewEpoch clears all state atomically.
package consensus
