package cfg

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

const (
	DefPATEnvVar      = "AZURE_DEVOPS_PAT"
	DefMaxWaitMinutes = 120
	DefLogFormat      = "logfmt"
	DefLogLevel       = "info"
	DefLogTimeKey     = "time"
)

type Config struct {
	OrganizationURL string      `toml:"organization_url"`
	Project         string      `toml:"project"`
	Repository      string      `toml:"repository"`
	PATEnvVar       string      `toml:"pat_env_var"`
	CardWebhookURL  string      `toml:"card_webhook_url"`
	FlowWebhookURL  string      `toml:"flow_webhook_url"`
	HTTPListenAddr  string      `toml:"http_server_listen_addr"`
	LogFormat       string      `toml:"log_format"`
	LogTimeKey      string      `toml:"log_time_key"`
	LogLevel        string      `toml:"log_level"`
	Pipelines       []*Pipeline `toml:"pipeline"`
}

type Pipeline struct {
	Name             string `toml:"name"`
	DefinitionID     int    `toml:"definition_id"`
	Branch           string `toml:"branch"`
	TriggerByTag     bool   `toml:"trigger_by_tag"`
	RequireFullStack bool   `toml:"require_full_stack"`
	MaxWaitMinutes   int    `toml:"max_wait_minutes"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	if result.PATEnvVar == "" {
		result.PATEnvVar = DefPATEnvVar
	}

	if result.LogFormat == "" {
		result.LogFormat = DefLogFormat
	}

	if result.LogLevel == "" {
		result.LogLevel = DefLogLevel
	}

	if result.LogTimeKey == "" {
		result.LogTimeKey = DefLogTimeKey
	}

	for _, p := range result.Pipelines {
		if p.MaxWaitMinutes == 0 {
			p.MaxWaitMinutes = DefMaxWaitMinutes
		}
	}

	return &result, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}

// Pipeline returns the pipeline configuration with the given name.
func (r *Config) Pipeline(name string) (*Pipeline, error) {
	for _, p := range r.Pipelines {
		if p.Name == name {
			return p, nil
		}
	}

	return nil, fmt.Errorf("no pipeline named %q is configured", name)
}

func (r *Config) Validate() error {
	if r.OrganizationURL == "" {
		return fmt.Errorf("organization_url is unset")
	}

	if r.Project == "" {
		return fmt.Errorf("project is unset")
	}

	if r.Repository == "" {
		return fmt.Errorf("repository is unset")
	}

	for _, p := range r.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("a pipeline block is missing a name")
		}

		if p.DefinitionID == 0 {
			return fmt.Errorf("pipeline %q: definition_id is unset", p.Name)
		}

		if p.Branch == "" {
			return fmt.Errorf("pipeline %q: branch is unset", p.Name)
		}
	}

	return nil
}
