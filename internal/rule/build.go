package rule

import "fmt"

// Group is one ordered (--match..., --action) pair as supplied on the
// command line: matches accumulate until an --action is seen, at
// which point they close into one rule.
type Group struct {
	Matches []string
	Action  string
}

// Build parses an ordered list of match/action groups into the []Rule
// the predicate evaluator and emission planner consume: a rule is an
// ordered list of match entries plus one action, with each rule's
// Index set to its position in groups so "first rule wins" is
// computed deterministically from command-line order.
func Build(groups []Group, pc ParseContext) ([]Rule, error) {
	rules := make([]Rule, 0, len(groups))
	for i, g := range groups {
		entries := make([]MatchEntry, 0, len(g.Matches))
		boundCSV := map[string]bool{}
		for _, m := range g.Matches {
			entry, err := ParseMatch(m, pc)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			if entry.CSVBasename != "" {
				boundCSV[entry.CSVBasename] = true
			}
			entries = append(entries, entry)
		}
		action, err := ParseAction(g.Action, boundCSV, pc)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, Rule{Index: i, Entries: entries, Action: action})
	}
	return rules, nil
}
