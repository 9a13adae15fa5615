// Package mevprotect implements the mev protection node.
// Here is a full flow of a trade through the node:
//
// caller -> API receives:
//   - trade analysis request
//   - trade execution request (with a prior decision)
//
// API -> Orchestrator.Analyze runs MempoolAssessor and FeeCalculator
// concurrently and combines them into one ProtectionDecision.
//
// API -> Orchestrator.Execute serves the decision:
//
//	Orchestrator -> RelayClient submits a tip-carrying bundle to a private relay
//	Orchestrator -> ChainClient broadcasts on the public path otherwise
//
// API -> ProtectionQueue defers execution to a target slot instead of holding
// the caller through the protective delay.
//
// Orchestrator -> Storage persists attack records and execution outcomes
// Orchestrator -> AlertPublisher pushes sanitized attack/critical-risk events
package mevprotect

import "time"

const (
	// Priority fees are quoted in micro-lamports per compute unit, tips in
	// lamports. One lamport is 1e-9 SOL.
	LamportsPerSOL       = 1_000_000_000
	MicroLamportsPerLamp = 1_000_000

	// Upper bound for a serialized transaction, matching the transport packet
	// size of the chain.
	MaxTransactionBytes = 1232

	DefaultComputeUnitTarget uint32 = 200_000

	// Relay tip tiers in lamports, indexed by risk level.
	TipTierLow      uint64 = 100_000
	TipTierMedium   uint64 = 300_000
	TipTierHigh     uint64 = 1_000_000
	TipTierCritical uint64 = 3_000_000

	SlotDuration = 400 * time.Millisecond
)
