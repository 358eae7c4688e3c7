package internal

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/haatos/merge-train/internal/util"
)

var Config *Configuration

type SecondsDuration time.Duration

func NewSecondsDuration(seconds int64) SecondsDuration {
	return SecondsDuration(time.Duration(seconds) * time.Second)
}

func (sd SecondsDuration) Duration() time.Duration {
	return time.Duration(sd)
}

func (sd SecondsDuration) MarshalYAML() (any, error) {
	return float64(time.Duration(sd)) / float64(time.Second), nil
}

func (sd *SecondsDuration) UnmarshalYAML(data []byte) error {
	var seconds float64
	if err := yaml.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*sd = SecondsDuration(seconds * float64(time.Second))
	return nil
}

type ProjectConfiguration struct {
	ProjectID  int64  `yaml:"project_id"`
	Repository string `yaml:"repository"`
	Workspace  string `yaml:"workspace"`
	// MergeRequestRef is a format string taking the merge request id,
	// for example refs/merge-requests/%d/head.
	MergeRequestRef    string `yaml:"merge_request_ref"`
	SimpleCIPipelineID int64  `yaml:"simpleci_pipeline_id"`
}

func (pc ProjectConfiguration) SourceRef(mergeRequestID int64) string {
	format := pc.MergeRequestRef
	if format == "" {
		format = DefaultMergeRequestRef
	}
	return fmt.Sprintf(format, mergeRequestID)
}

// RepositoryDir is the directory name the repository is cloned into.
func (pc ProjectConfiguration) RepositoryDir() string {
	dir := pc.Repository[strings.LastIndex(pc.Repository, "/")+1:]
	return strings.TrimSuffix(dir, ".git")
}

type Configuration struct {
	HistoryLimit      int64                  `yaml:"history_limit"`
	DispatchQueueSize int64                  `yaml:"dispatch_queue_size"`
	DispatchWorkers   int64                  `yaml:"dispatch_workers"`
	SweepInterval     SecondsDuration        `yaml:"sweep_interval"`
	MergeTimeout      SecondsDuration        `yaml:"merge_timeout"`
	Projects          []ProjectConfiguration `yaml:"projects"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		HistoryLimit:      100,
		DispatchQueueSize: 64,
		DispatchWorkers:   4,
		SweepInterval:     NewSecondsDuration(30),
		MergeTimeout:      NewSecondsDuration(300),
	}
}

func (c *Configuration) Project(projectID int64) (ProjectConfiguration, bool) {
	for _, p := range c.Projects {
		if p.ProjectID == projectID {
			return p, true
		}
	}
	return ProjectConfiguration{}, false
}

// InitializeConfiguration reads path into Config, writing the defaults to
// path first if it does not exist.
func InitializeConfiguration(path string) {
	Config = DefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		if err := UpdateConfiguration(path, Config); err != nil {
			log.Fatal(err)
		}
		return
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		log.Fatal(err)
	}
	if err := yaml.Unmarshal(configBytes, Config); err != nil {
		log.Fatal(err)
	}
}

func UpdateConfiguration(path string, config *Configuration) error {
	b, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return err
	}

	Config = config

	return nil
}
