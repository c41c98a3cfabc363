// Package bot implements the scripted keyword responder for the support widget.
//
// A RuleSet is an ordered table of rules, each a set of keywords and the
// replies to choose from. Resolve lower-cases the message and walks the table;
// the first rule with a keyword contained in the message wins, and one of its
// replies is drawn uniformly. Messages no rule matches get one of the fixed
// fallback replies and are escalated to a human agent.
//
// # Escalation
//
// Escalation is an explicit flag on the Result. Matched rules escalate only
// when marked `escalate: true`. WithTriggerScan also escalates any reply that
// mentions "transfer" or "agent".
//
// # Rule files
//
// Tables load from YAML or TOML, picked by file extension:
//
//	rules:
//	  - name: pricing
//	    keywords: ["price", "cost"]
//	    responses: ["Plans start at $9/month."]
//
//	[[rules]]
//	name = "pricing"
//	keywords = ["price", "cost"]
//	responses = ["Plans start at $9/month."]
//
// DefaultRules returns the table embedded in the binary.
package bot
