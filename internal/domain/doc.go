// Package domain holds the core types and interfaces of rewardpulse:
// identities, reward definitions, redemptions, and the contracts between
// the reconciliation engine and its collaborators.
package domain
