package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models orion.yml.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Provider  ProviderConfig    `yaml:"provider"`
	Execution ExecutionConfig   `yaml:"execution"`
	Phases    map[int]Phase     `yaml:"phases"`
	Personas  map[string]string `yaml:"personas"`
	Agents    []AgentSeed       `yaml:"agents"`
	Webhooks  []Webhook         `yaml:"webhooks"`
	Log       LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTSecretEnv names the env var holding the HMAC secret for mutating
	// routes. Auth is off when the variable is unset or empty.
	JWTSecretEnv   string `yaml:"jwt_secret_env"`
	ProgressBuffer int    `yaml:"progress_buffer"`
}

type ProviderConfig struct {
	Primary   string        `yaml:"primary"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	Anthropic Endpoint      `yaml:"anthropic"`
	OpenAI    Endpoint      `yaml:"openai"`
}

type Endpoint struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKeyEnv lists env vars checked in order for the credential.
	APIKeyEnv []string `yaml:"api_key_env"`
}

type ExecutionConfig struct {
	FinalPhase        int           `yaml:"final_phase"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	TaskPause         time.Duration `yaml:"task_pause"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	PreviewLength     int           `yaml:"preview_length"`
}

type Phase struct {
	Name       string   `yaml:"name"`
	AgentTypes []string `yaml:"agent_types"`
}

type AgentSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with orion config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orion.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses raw YAML on top of the defaults and validates the result.
// Sections absent from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Provider.Primary {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config.provider.primary must be anthropic or openai")
	}
	if c.Provider.MaxTokens <= 0 {
		return fmt.Errorf("config.provider.max_tokens must be positive")
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("config.provider.timeout must not be negative")
	}
	e := c.Execution
	if e.FinalPhase <= 0 {
		return fmt.Errorf("config.execution.final_phase must be positive")
	}
	if e.MaxAttempts <= 0 {
		return fmt.Errorf("config.execution.max_attempts must be positive")
	}
	if e.BaseDelay < 0 || e.TaskPause < 0 {
		return fmt.Errorf("config.execution delays must not be negative")
	}
	if e.BackoffMultiplier < 1 {
		return fmt.Errorf("config.execution.backoff_multiplier must be >= 1")
	}
	if e.Heartbeat <= 0 {
		return fmt.Errorf("config.execution.heartbeat must be positive")
	}
	if e.PreviewLength <= 0 {
		return fmt.Errorf("config.execution.preview_length must be positive")
	}
	for n, p := range c.Phases {
		if n <= 0 {
			return fmt.Errorf("config.phases has non-positive phase %d", n)
		}
		if p.Name == "" {
			return fmt.Errorf("phase %d has empty name", n)
		}
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" || a.Type == "" {
			return fmt.Errorf("config.agents[%d] requires id and type", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("config.agents has duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// PhaseName returns the configured name of a phase or "Phase N".
func (c *Config) PhaseName(n int) string {
	if p, ok := c.Phases[n]; ok && p.Name != "" {
		return p.Name
	}
	return fmt.Sprintf("Phase %d", n)
}

// PhaseForAgentType returns the phase whose agent_types include t, or 0.
func (c *Config) PhaseForAgentType(t string) int {
	nums := make([]int, 0, len(c.Phases))
	for n := range c.Phases {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		for _, at := range c.Phases[n].AgentTypes {
			if at == t {
				return n
			}
		}
	}
	return 0
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  jwt_secret_env: ORION_JWT_SECRET
  progress_buffer: 64

provider:
  primary: anthropic
  max_tokens: 1024
  timeout: 120s
  anthropic:
    base_url: https://api.anthropic.com
    model: claude-haiku-4-5
    api_key_env: [ANTHROPIC_API_KEY]
  openai:
    base_url: https://openrouter.ai/api/v1
    model: openai-codex/gpt-5.3-codex
    api_key_env: [OPENAI_API_KEY, OPENROUTER_API_KEY]

execution:
  final_phase: 7
  max_attempts: 4
  base_delay: 5s
  backoff_multiplier: 2
  task_pause: 800ms
  heartbeat: 3s
  preview_length: 150

phases:
  1: {name: Discovery, agent_types: [business_analyst]}
  2: {name: Design, agent_types: [uiux_designer]}
  3: {name: Architecture, agent_types: [system_integrator, database_admin]}
  4: {name: Development, agent_types: [mobile_developer, web_developer]}
  5: {name: Quality, agent_types: [qa_engineer, security_specialist, performance_optimizer]}
  6: {name: Launch, agent_types: [devops_engineer, training_docs, content_copywriting]}
  7: {name: Review, agent_types: [project_manager]}

personas:
  business_analyst: You are a senior Business Analyst. Analyze requirements, create user stories, and define acceptance criteria.
  uiux_designer: You are a senior UI/UX Designer. Design user flows, screen layouts, and interaction patterns.
  system_integrator: You are a System Architect. Design system architecture, API contracts, and integration patterns.
  database_admin: You are a Database Administrator. Design database schemas, relationships, indexes, and migrations.
  mobile_developer: You are a Senior Mobile Developer (React Native / Flutter). Write implementation plans and code structures.
  web_developer: You are a Senior Full-Stack Web Developer. Design API endpoints, backend logic, and frontend components.
  qa_engineer: You are a QA Engineer. Create test plans, test cases, and identify edge cases.
  security_specialist: You are a Security Engineer. Audit for vulnerabilities, OWASP issues, and write security requirements.
  performance_optimizer: You are a Performance Engineer. Identify bottlenecks and write optimization strategies.
  devops_engineer: You are a DevOps Engineer. Design CI/CD pipelines, infrastructure, and deployment strategies.
  training_docs: You are a Technical Writer. Write user guides, API docs, and training materials.
  content_copywriting: You are a Product Copywriter. Write app store descriptions, onboarding copy, and marketing content.
  project_manager: You are a Project Manager. Summarize project status, flag risks, and write the final delivery report.

agents:
  - {id: agent-business-analyst, name: Business Analyst Agent, type: business_analyst, description: "Gathers requirements, analyzes business processes, and creates specifications"}
  - {id: agent-uiux-designer, name: UI/UX Designer Agent, type: uiux_designer, description: "Creates wireframes, prototypes, and design systems for user interfaces"}
  - {id: agent-system-integrator, name: System Integrator Agent, type: system_integrator, description: "Manages system integrations, APIs, and data flow between services"}
  - {id: agent-database-admin, name: Database Administrator Agent, type: database_admin, description: "Manages database schemas, optimizes queries, and handles data migrations"}
  - {id: agent-mobile-developer, name: Mobile Developer Agent, type: mobile_developer, description: "Develops mobile applications for iOS and Android platforms"}
  - {id: agent-web-developer, name: Web Developer Agent, type: web_developer, description: "Builds and maintains web applications, frontend and backend components"}
  - {id: agent-qa-engineer, name: QA Engineer Agent, type: qa_engineer, description: "Designs test plans, executes automated tests, and tracks quality metrics"}
  - {id: agent-security-specialist, name: Security Specialist Agent, type: security_specialist, description: "Performs security audits, vulnerability assessments, and compliance checks"}
  - {id: agent-performance-optimizer, name: Performance Optimization Agent, type: performance_optimizer, description: "Analyzes and improves application performance, load times, and resource usage"}
  - {id: agent-devops-engineer, name: DevOps Engineer Agent, type: devops_engineer, description: "Manages CI/CD pipelines, infrastructure, and deployment automation"}
  - {id: agent-training-docs, name: Training & Documentation Agent, type: training_docs, description: "Creates training materials, user guides, and technical documentation"}
  - {id: agent-content-copywriting, name: Content & Copywriting Agent, type: content_copywriting, description: "Generates marketing copy, documentation content, and user-facing text"}
  - {id: agent-project-manager, name: Project Manager Agent, type: project_manager, description: "Orchestrates project planning, monitors progress, and coordinates between teams"}

webhooks: []

log:
  level: info
  format: text
`
