// Package definition loads workflow definitions from YAML or CUE documents.
//
// Both formats are checked against the embedded #Workflow CUE schema, which
// also supplies defaults (risk_level LOW, timeout_minutes 60). A CUE document
// declares its workflow under a top-level "workflow" field and may add its own
// constraints:
//
//	workflow: {
//		name:       "vendor payment"
//		risk_level: "MEDIUM"
//		steps: [
//			{name: "draft", type: "llm"},
//			{name: "pay", type: "bank", risk: "HIGH"},
//		]
//	}
package definition
