package orgs

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Env-only fallback values.
const (
	FallbackOrgID      = "orb"
	fallbackName       = "ORB (default)"
	fallbackModel      = "gemini-2.5-flash-lite"
	fallbackUIHost     = "oaklog.getgrist.com"
	fallbackUIPageName = "ORB-Events"
	defaultTableName   = "Events"
	defaultUIPageName  = "Events"
	defaultChat        = "discord"
)

// ErrUnknownProvider is returned for profiles naming an unsupported LLM provider.
var ErrUnknownProvider = errors.New("unknown llm provider")

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

// LookupEnv matches os.LookupEnv and is injectable for tests.
type LookupEnv func(key string) (string, bool)

type fileConfig struct {
	Orgs yaml.Node `yaml:"orgs"`
}

// parseFile decodes the org YAML, substituting ${VAR} placeholders in every
// scalar. Profiles are returned in file order.
func parseFile(data []byte, lookup LookupEnv) ([]scraper.OrgProfile, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse org config: %w", err)
	}
	if err := substitute(&root, lookup); err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode org config: %w", err)
	}
	if cfg.Orgs.Kind != yaml.MappingNode || len(cfg.Orgs.Content) == 0 {
		return nil, errors.New("org config: no orgs defined")
	}

	profiles := make([]scraper.OrgProfile, 0, len(cfg.Orgs.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(cfg.Orgs.Content); i += 2 {
		id := strings.TrimSpace(cfg.Orgs.Content[i].Value)
		if id == "" || id == scraper.DefaultOrgID {
			return nil, fmt.Errorf("org config: invalid org id %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("org config: duplicate org id %q", id)
		}
		seen[id] = true
		var profile scraper.OrgProfile
		if err := cfg.Orgs.Content[i+1].Decode(&profile); err != nil {
			return nil, fmt.Errorf("org %q: %w", id, err)
		}
		profile.ID = id
		applyDefaults(&profile)
		if err := validateProfile(profile); err != nil {
			return nil, fmt.Errorf("org %q: %w", id, err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func substitute(node *yaml.Node, lookup LookupEnv) error {
	if node.Kind == yaml.ScalarNode && strings.Contains(node.Value, "${") {
		var missing []string
		node.Value = placeholder.ReplaceAllStringFunc(node.Value, func(match string) string {
			name := placeholder.FindStringSubmatch(match)[1]
			value, ok := lookup(name)
			if !ok {
				missing = append(missing, name)
				return ""
			}
			return value
		})
		if len(missing) > 0 {
			return fmt.Errorf("org config line %d: unresolved environment variable(s) %s",
				node.Line, strings.Join(missing, ", "))
		}
		node.Tag = "!!str"
		return nil
	}
	for _, child := range node.Content {
		if err := substitute(child, lookup); err != nil {
			return err
		}
	}
	return nil
}

// envProfile synthesizes the single-tenant profile used when no org config
// file exists.
func envProfile(lookup LookupEnv) (scraper.OrgProfile, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	apiKey := get("GEMINI_API_KEY", get("PROVIDER_API_KEY", ""))
	profile := scraper.OrgProfile{
		ID:       FallbackOrgID,
		Name:     fallbackName,
		Timezone: scraper.DefaultTimezone,
		LLM: scraper.LLMConfig{
			Provider: scraper.ProviderGemini,
			APIKey:   apiKey,
			Model:    fallbackModel,
		},
		Storage: scraper.StorageTarget{
			Backend:    scraper.BackendGrist,
			APIKey:     get("GRIST_API_KEY", ""),
			DocID:      get("GRIST_DOC_ID", ""),
			TableName:  defaultTableName,
			UIHost:     get("GRIST_UI_HOST", fallbackUIHost),
			UIDocID:    get("GRIST_UI_DOC_ID", ""),
			UIPageName: get("GRIST_UI_PAGE_NAME", fallbackUIPageName),
		},
		Chat: scraper.ChatConfig{Platform: defaultChat, Channels: []string{}},
	}
	if err := validateProfile(profile); err != nil {
		return scraper.OrgProfile{}, fmt.Errorf("env org %q (set GEMINI_API_KEY or PROVIDER_API_KEY): %w", FallbackOrgID, err)
	}
	return profile, nil
}

func applyDefaults(p *scraper.OrgProfile) {
	if p.Timezone == "" {
		p.Timezone = scraper.DefaultTimezone
	}
	p.LLM.Provider = strings.TrimSpace(p.LLM.Provider)
	if p.LLM.Provider == scraper.ProviderGemini && p.LLM.Model == "" {
		p.LLM.Model = fallbackModel
	}
	if p.Storage.Backend == "" {
		p.Storage.Backend = scraper.BackendGrist
	}
	if p.Storage.TableName == "" {
		p.Storage.TableName = defaultTableName
	}
	if p.Storage.UIPageName == "" {
		p.Storage.UIPageName = defaultUIPageName
	}
	if p.Chat.Platform == "" {
		p.Chat.Platform = defaultChat
	}
	if p.Chat.Channels == nil {
		p.Chat.Channels = []string{}
	}
	if p.Name == "" {
		p.Name = p.ID
	}
}

func validateProfile(p scraper.OrgProfile) error {
	switch {
	case p.LLM.Provider == "":
		return errors.New("llm.provider is required")
	case strings.TrimSpace(p.LLM.APIKey) == "":
		return errors.New("llm.api_key is required")
	}
	switch p.LLM.Provider {
	case scraper.ProviderGemini:
	case scraper.ProviderOpenAICompatible:
		if strings.TrimSpace(p.LLM.EndpointURL) == "" {
			return errors.New("openai_compatible provider requires llm.endpoint_url")
		}
		if p.LLM.Model == "" {
			return errors.New("openai_compatible provider requires llm.model")
		}
	default:
		return fmt.Errorf("%w %q (supported: gemini, openai_compatible)", ErrUnknownProvider, p.LLM.Provider)
	}
	switch p.Storage.Backend {
	case scraper.BackendGrist, scraper.BackendPostgres, scraper.BackendGCS, scraper.BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", p.Storage.Backend)
	}
	if _, err := timeZone(p.Timezone); err != nil {
		return err
	}
	return nil
}

func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read org config %s: %w", path, err)
	}
	return data, true, nil
}
