// Package governance holds the runtime safety controls the gateway applies
// around the policy core: a circuit breaker for the generation upstream and a
// per-caller token bucket for prompt ingress.
package governance
