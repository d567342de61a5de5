package config

import (
	"github.com/pelletier/go-toml/v2/unstable"
)

// serviceOrder returns service names in the order their [service.<name>]
// tables first appear in data.
func serviceOrder(data []byte) ([]string, error) {
	var (
		p     unstable.Parser
		names []string
		seen  = map[string]bool{}
	)
	p.Reset(data)
	for p.NextExpression() {
		expr := p.Expression()
		if expr.Kind != unstable.Table {
			continue
		}
		var parts []string
		it := expr.Key()
		for it.Next() {
			parts = append(parts, string(it.Node().Data))
		}
		if len(parts) < 2 || parts[0] != "service" || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true
		names = append(names, parts[1])
	}
	return names, p.Error()
}
