package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes the structure of the site being edited: where content
// lives, which containers are sections, and which regions belong to other
// runtime scripts.
type Profile struct {
	ContentRoot      string        `yaml:"content_root"`
	SectionSelectors []string      `yaml:"section_selectors"`
	Widgets          []string      `yaml:"widgets"`
	RuntimeRegions   []string      `yaml:"runtime_regions"`
	RuntimeScripts   []string      `yaml:"runtime_scripts"`
	RuntimeNodes     []string      `yaml:"runtime_nodes"`
	Cards            []CardPattern `yaml:"cards"`
	BaseFontPx       int           `yaml:"base_font_px"`
}

// CardPattern identifies a repeating card whose image is keyed by the card's
// own link instead of its position.
type CardPattern struct {
	Selector    string `yaml:"selector"`
	KeySelector string `yaml:"key_selector"`
	KeyAttr     string `yaml:"key_attr"`
	Prefix      string `yaml:"prefix"`
}

func DefaultProfile() Profile {
	p := Profile{}
	p.applyDefaults()
	return p
}

// LoadProfile reads a YAML site profile. An empty path yields DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	p.applyDefaults()
	return p, nil
}

func (p *Profile) applyDefaults() {
	if p.ContentRoot == "" {
		p.ContentRoot = "main"
	}
	if len(p.SectionSelectors) == 0 {
		p.SectionSelectors = []string{"section", "article", ".card", ".mini-card", ".highlight-item", ".project-card"}
	}
	if p.Widgets == nil {
		p.Widgets = []string{"#site-header", "#site-footer", "#projects-grid", ".screenshots-carousel"}
	}
	if p.RuntimeRegions == nil {
		p.RuntimeRegions = []string{"#site-header", "#site-footer", "#projects-grid"}
	}
	if p.RuntimeScripts == nil {
		p.RuntimeScripts = []string{"background-animation.js", "particles.js", "three.min.js"}
	}
	if p.RuntimeNodes == nil {
		p.RuntimeNodes = []string{"#bg-canvas", "#particle-canvas", "#theme-toggle", "#theme-toggle-label"}
	}
	if p.Cards == nil {
		p.Cards = []CardPattern{{Selector: ".project-card"}}
	}
	for i := range p.Cards {
		if p.Cards[i].KeySelector == "" {
			p.Cards[i].KeySelector = "a"
		}
		if p.Cards[i].KeyAttr == "" {
			p.Cards[i].KeyAttr = "href"
		}
		if p.Cards[i].Prefix == "" {
			p.Cards[i].Prefix = "projects"
		}
	}
	if p.BaseFontPx <= 0 {
		p.BaseFontPx = 16
	}
}
