package provider

// builtins returns the provider schemas shipped with the daemon. Additional
// schemas can be declared in the config file and registered at load time.
func builtins() []Schema {
	return []Schema{
		{
			ProviderID:  "openai",
			DisplayName: "OpenAI",
			Fields: []Field{
				{Name: "api_key", Type: FieldTypeSecret, Required: true},
				{Name: "base_url", Type: FieldTypeText},
			},
		},
		{
			ProviderID:  "anthropic",
			DisplayName: "Anthropic",
			Fields: []Field{
				{Name: "api_key", Type: FieldTypeSecret, Required: true},
				{Name: "base_url", Type: FieldTypeText},
			},
		},
		{
			ProviderID:  "gemini",
			DisplayName: "Google Gemini",
			Fields: []Field{
				{Name: "api_key", Type: FieldTypeSecret, Required: true},
			},
		},
		{
			ProviderID:  "postgres",
			DisplayName: "PostgreSQL",
			Fields: []Field{
				{Name: "host", Type: FieldTypeText, Required: true},
				{Name: "port", Type: FieldTypeNumber},
				{Name: "database", Type: FieldTypeText, Required: true},
				{Name: "user", Type: FieldTypeText, Required: true},
				{Name: "password", Type: FieldTypeSecret, Required: true},
			},
		},
		{
			// Local runtime, no credential at all.
			ProviderID:  "ollama",
			DisplayName: "Ollama",
			Fields: []Field{
				{Name: "base_url", Type: FieldTypeText},
			},
		},
		{
			// Generic HTTP endpoint with an optional bearer credential.
			// A connection with no secret required never prompts.
			ProviderID:  "http",
			DisplayName: "HTTP endpoint",
			Fields: []Field{
				{Name: "base_url", Type: FieldTypeText, Required: true},
				{Name: "api_key", Type: FieldTypeSecret},
			},
		},
	}
}
