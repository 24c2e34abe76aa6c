package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/studyroom/internal/focus"
)

//go:embed focus_profiles.yaml
var defaultFocusProfiles []byte

// FocusProfiles は名前付きの集中サイクル設定。
type FocusProfiles struct {
	Profiles map[string]focus.Config `yaml:"profiles"`
}

// LoadFocusProfiles はプロファイルを読み込む。pathが空なら組み込みの定義を使う。
func LoadFocusProfiles(path string) (*FocusProfiles, error) {
	data := defaultFocusProfiles
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read focus profiles: %w", err)
		}
	}
	return ParseFocusProfiles(data)
}

// ParseFocusProfiles はYAMLを解釈し、各プロファイルを検証する。
func ParseFocusProfiles(data []byte) (*FocusProfiles, error) {
	var p FocusProfiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse focus profiles: %w", err)
	}
	if len(p.Profiles) == 0 {
		return nil, fmt.Errorf("focus profiles are empty")
	}
	for name, cfg := range p.Profiles {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("focus profile %q is invalid: %w", name, err)
		}
	}
	return &p, nil
}

// Get は名前のプロファイルを返す。
func (p *FocusProfiles) Get(name string) (focus.Config, error) {
	cfg, ok := p.Profiles[name]
	if !ok {
		return focus.Config{}, fmt.Errorf("unknown focus profile %q (available: %v)", name, p.Names())
	}
	return cfg, nil
}

// Names はプロファイル名を昇順で返す。
func (p *FocusProfiles) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
