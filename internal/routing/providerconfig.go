package routing

// ProviderConfigKind discriminates which of ProviderConfig's nested configs
// is populated, mirroring the struct-plus-discriminant shape this codebase
// uses throughout instead of an interface-based sum type (see
// internal/identity.Principal).
type ProviderConfigKind string

const (
	ProviderOpenAI      ProviderConfigKind = "open_ai"
	ProviderAnthropic   ProviderConfigKind = "anthropic"
	ProviderAzureOpenAI ProviderConfigKind = "azure_open_ai"
	ProviderBedrock     ProviderConfigKind = "bedrock"
	ProviderVertex      ProviderConfigKind = "vertex"
	ProviderTest        ProviderConfigKind = "test"
)

type OpenAIConfig struct {
	BaseURL       string
	APIKey        *string
	AllowedModels []string
}

type AnthropicConfig struct {
	APIKey        string
	BaseURL       string
	AllowedModels []string
}

type AzureOpenAIConfig struct {
	ResourceName  string
	APIVersion    string
	APIKey        string
	AllowedModels []string
}

// AWSCredentials holds the only credential shape dynamic providers may use
// (spec §4.7): static keys, never the server's ambient AWS environment.
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    *string
}

type BedrockConfig struct {
	Region              string
	Credentials         AWSCredentials
	InferenceProfileARN *string
	ConverseBaseURL     *string
	AllowedModels       []string
}

// GCPCredentialsKind discriminates VertexConfig's credential mode.
type GCPCredentialsKind string

const (
	GCPCredentialsDefault            GCPCredentialsKind = "default"
	GCPCredentialsServiceAccountJSON GCPCredentialsKind = "service_account_json"
)

type GCPServiceAccountJSON struct {
	JSON string
}

type VertexConfig struct {
	// Set in API-key mode (simple Gemini access); Project/Region/Credentials
	// are set in OAuth/ADC mode instead. Exactly one mode applies.
	APIKey             *string
	Project            *string
	Region             *string
	Publisher          string
	BaseURL            *string
	CredentialsKind    GCPCredentialsKind
	ServiceAccountJSON *GCPServiceAccountJSON
	AllowedModels      []string
}

type TestConfig struct {
	ModelName     string
	AllowedModels []string
}

// ProviderConfig is the resolved, provider-type-specific configuration
// produced for both static (config-file) and dynamic (database) providers.
type ProviderConfig struct {
	Kind ProviderConfigKind

	OpenAI      *OpenAIConfig
	Anthropic   *AnthropicConfig
	AzureOpenAI *AzureOpenAIConfig
	Bedrock     *BedrockConfig
	Vertex      *VertexConfig
	Test        *TestConfig
}

// StaticProviderConfigs resolves a static route's provider name to its
// config-file-defined ProviderConfig.
type StaticProviderConfigs interface {
	Get(name string) (ProviderConfig, bool)
}
