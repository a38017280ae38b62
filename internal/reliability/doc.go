// Package reliability provides the retry and circuit breaker primitives used
// on the bridge's connect and publish paths. Policies are pure: they compute
// delays and decisions, callers own the waiting.
package reliability
