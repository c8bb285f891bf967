// Package policy holds the decision pieces that sit beside the flow evaluator:
// the role policy applied at the gateway, the failure postures that govern
// unknown conditions and evidence writes, and an Open Policy Agent adapter that
// evaluates the data movement policy in Rego.
//
// The Rego adapter implements domain.HopEvaluator so either engine can sit
// behind the gateway. Both are fed the same flow.Store.
package policy
