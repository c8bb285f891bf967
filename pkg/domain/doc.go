// Package domain defines the core business types and interfaces for the DLP
// gateway.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no object storage, HTTP, OPA, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
// - Stable contracts for HTTP handlers, the CLI and evidence sinks
//
// Other packages (dlp, classify, flow, movement, storage, gateway) implement the
// interfaces defined here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
