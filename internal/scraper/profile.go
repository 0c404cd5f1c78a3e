package scraper

// Provider names accepted in org profiles.
const (
	ProviderGemini           = "gemini"
	ProviderOpenAICompatible = "openai_compatible"
)

// Storage backend names accepted in org profiles.
const (
	BackendGrist    = "grist"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
)

// LLMConfig selects and authenticates an extractor provider.
type LLMConfig struct {
	Provider    string `yaml:"provider" json:"provider"`
	APIKey      string `yaml:"api_key" json:"-"`
	Model       string `yaml:"model" json:"model,omitempty"`
	EndpointURL string `yaml:"endpoint_url" json:"endpoint_url,omitempty"`
}

// StorageTarget tells the storage router where and how to persist events.
type StorageTarget struct {
	Backend    string `yaml:"backend" json:"backend"`
	APIKey     string `yaml:"api_key" json:"-"`
	DocID      string `yaml:"doc_id" json:"doc_id,omitempty"`
	TableName  string `yaml:"table_name" json:"table_name,omitempty"`
	UIHost     string `yaml:"ui_host" json:"ui_host,omitempty"`
	UIDocID    string `yaml:"ui_doc_id" json:"ui_doc_id,omitempty"`
	UIPageName string `yaml:"ui_page_name" json:"ui_page_name,omitempty"`
	// APIURL overrides the backend API base (Grist only).
	APIURL string `yaml:"api_url" json:"api_url,omitempty"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn" json:"-"`
}

// ChatConfig binds an org to a chat platform and its channels.
type ChatConfig struct {
	Platform string   `yaml:"platform" json:"platform"`
	Channels []string `yaml:"channels" json:"channels"`
}

// OrgProfile is the resolved bundle of settings for one tenant.
type OrgProfile struct {
	ID       string        `yaml:"-" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Timezone string        `yaml:"timezone" json:"timezone"`
	LLM      LLMConfig     `yaml:"llm" json:"llm"`
	Storage  StorageTarget `yaml:"storage" json:"storage"`
	Chat     ChatConfig    `yaml:"chat" json:"chat"`
}
