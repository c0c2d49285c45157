package config

import (
	"fmt"
	"os"

	"github.com/relayhub/relay/internal/model"
	"gopkg.in/yaml.v3"
)

// TopicSeed pre-registers a topic at startup. Required for private-hub mode,
// where publish/subscribe requests for unknown topics are rejected.
type TopicSeed struct {
	URL                    string `yaml:"url"`
	LeaseSecondsPreferred  int    `yaml:"lease_seconds_preferred"`
	LeaseSecondsMin        int    `yaml:"lease_seconds_min"`
	LeaseSecondsMax        int    `yaml:"lease_seconds_max"`
	PublisherValidationURL string `yaml:"publisher_validation_url"`
	ContentHashAlgorithm   string `yaml:"content_hash_algorithm"`
}

type seedFile struct {
	Topics []TopicSeed `yaml:"topics"`
}

// LoadTopicSeeds parses the YAML seed file at path. Zero lease fields inherit
// the hub-wide bounds; an unset hash algorithm inherits the default.
func LoadTopicSeeds(path string, bounds model.LeaseBounds) ([]TopicSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topic seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse topic seed file: %w", err)
	}

	for i := range f.Topics {
		s := &f.Topics[i]
		if err := model.ValidateAbsoluteHTTPURL("topics[].url", s.URL); err != nil {
			return nil, fmt.Errorf("topic seed %d: %w", i, err)
		}
		if s.LeaseSecondsPreferred == 0 {
			s.LeaseSecondsPreferred = bounds.Preferred
		}
		if s.LeaseSecondsMin == 0 {
			s.LeaseSecondsMin = bounds.Min
		}
		if s.LeaseSecondsMax == 0 {
			s.LeaseSecondsMax = bounds.Max
		}
		seedBounds := model.LeaseBounds{
			Preferred: s.LeaseSecondsPreferred,
			Min:       s.LeaseSecondsMin,
			Max:       s.LeaseSecondsMax,
		}
		if err := seedBounds.Validate(); err != nil {
			return nil, fmt.Errorf("topic seed %d (%s): %w", i, s.URL, err)
		}
		if s.PublisherValidationURL != "" {
			if err := model.ValidateAbsoluteHTTPURL("topics[].publisher_validation_url", s.PublisherValidationURL); err != nil {
				return nil, fmt.Errorf("topic seed %d (%s): %w", i, s.URL, err)
			}
		}
		if s.ContentHashAlgorithm == "" {
			s.ContentHashAlgorithm = model.DefaultHashAlgorithm
		}
		if !model.IsSupportedHashAlgorithm(s.ContentHashAlgorithm) {
			return nil, fmt.Errorf("topic seed %d (%s): unsupported hash algorithm %q", i, s.URL, s.ContentHashAlgorithm)
		}
	}
	return f.Topics, nil
}
