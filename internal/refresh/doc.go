// Package refresh coordinates access-credential refreshes.
//
// Any number of requests may discover at the same moment that their
// credential has expired. The Coordinator makes sure exactly one refresh
// exchange runs for all of them: the first demand starts a round, later
// demands attach to it, and every waiter receives the same Outcome. A
// request whose stale credential was already replaced by a settled round
// gets the current credential back without a new exchange.
//
// The exchange itself runs detached from any single caller's context, so a
// caller giving up does not abort the round for the others. It is bounded
// by a timeout instead.
package refresh
