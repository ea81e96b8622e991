package cipipeline

import (
	"gopkg.in/yaml.v3"
)

type pipelineDefinition struct {
	Run pipelineJob `yaml:"run"`
}

type pipelineJob struct {
	Script    []string          `yaml:"script"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

func (d pipelineDefinition) marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
