package agent

// sessionMeta is the bridge-specific configuration a client can attach to a
// session request via the _meta field.
//
//	{
//	  "_meta": {
//	    "systemPrompt": {"append": "Respond in French"},
//	    "claudeCode": {"options": {"resume": "uuid"}},
//	    "forkSession": true
//	  }
//	}
//
// systemPrompt and resume are also accepted as plain strings at the top
// level. Parsing is tolerant: wrong-typed fields are ignored.
type sessionMeta struct {
	SystemPrompt string
	Resume       string
	Fork         bool
}

func parseSessionMeta(meta any) sessionMeta {
	var m sessionMeta
	obj, ok := meta.(map[string]any)
	if !ok {
		return m
	}

	switch sp := obj["systemPrompt"].(type) {
	case string:
		m.SystemPrompt = sp
	case map[string]any:
		if s, ok := sp["append"].(string); ok {
			m.SystemPrompt = s
		}
	}

	if s, ok := obj["resume"].(string); ok {
		m.Resume = s
	}
	if cc, ok := obj["claudeCode"].(map[string]any); ok {
		if options, ok := cc["options"].(map[string]any); ok {
			if s, ok := options["resume"].(string); ok {
				m.Resume = s
			}
		}
	}

	if b, ok := obj["forkSession"].(bool); ok {
		m.Fork = b
	}
	return m
}
