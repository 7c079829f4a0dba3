package gateway

import "github.com/grimoirelabs/grimoire/pkg/models"

// resolveIntentTool is the schema of the resolve_intent meta-tool.
func (g *Gateway) resolveIntentTool() models.Tool {
	return models.Tool{
		Name: ToolResolveIntent,
		Description: "Describe what you need in natural language and the gateway " +
			"finds, starts and exposes the matching tool server. High-confidence " +
			"matches are activated immediately; otherwise a list of candidates is " +
			"returned for activate_spell.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What you want to accomplish, e.g. \"query the weather forecast\"",
				},
			},
			"required": []string{"query"},
		},
	}
}

// activateSpellToolDef is the schema of the activate_spell meta-tool. The
// name field enumerates the currently-known catalog keys for client-side
// hinting but accepts any string.
func (g *Gateway) activateSpellToolDef() models.Tool {
	nameSchema := map[string]interface{}{
		"type":        "string",
		"description": "Name of the spell to activate",
	}
	if names := g.catalog.Names(); len(names) > 0 {
		nameSchema["enum"] = names
	}
	return models.Tool{
		Name: ToolActivateSpell,
		Description: "Start a specific tool server by name. Use after resolve_intent " +
			"returns multiple_matches or weak_matches to pick one of the candidates.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": nameSchema,
			},
			"required": []string{"name"},
		},
	}
}
