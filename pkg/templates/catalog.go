package templates

import (
	"errors"
	"fmt"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/config"
)

var ErrNotFound = errors.New("template not found")

// Template is an environment blueprint from the external catalog: image,
// exposed ports and default resource sizing.
type Template struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Image          string  `json:"image"`
	ContainerPorts []int   `json:"container_ports"`
	DefaultCPU     float64 `json:"default_cpu"`
	DefaultMemory  int64   `json:"default_memory_mb"`
	MaxGPUs        int     `json:"max_gpus"`
}

// Catalog resolves template IDs to blueprints.
type Catalog interface {
	Get(templateID string) (Template, error)
	List() []Template
}

// ConfigCatalog serves templates from configuration, seeded with the
// platform's stock environments.
type ConfigCatalog struct {
	order     []string
	templates map[string]Template
}

// BuiltinTemplates is the stock catalog: JupyterLab, code-server and the
// multi-GPU training image.
func BuiltinTemplates() []Template {
	return []Template{
		{
			ID:             "jupyter",
			Name:           "Jupyter Environment",
			Image:          "ailab-jupyter:latest",
			ContainerPorts: []int{8888},
			DefaultCPU:     4,
			DefaultMemory:  16384,
			MaxGPUs:        1,
		},
		{
			ID:             "vscode",
			Name:           "VSCode Environment",
			Image:          "ailab-vscode:latest",
			ContainerPorts: []int{8080},
			DefaultCPU:     4,
			DefaultMemory:  16384,
			MaxGPUs:        1,
		},
		{
			ID:             "multi-gpu",
			Name:           "Multi-GPU Training",
			Image:          "ailab-training:latest",
			ContainerPorts: []int{8888},
			DefaultCPU:     16,
			DefaultMemory:  65536,
			MaxGPUs:        4,
		},
	}
}

// NewConfigCatalog merges configured templates over the builtin catalog.
func NewConfigCatalog(configured []config.TemplateConfig) *ConfigCatalog {
	c := &ConfigCatalog{templates: make(map[string]Template)}
	for _, tpl := range BuiltinTemplates() {
		c.add(tpl)
	}
	for _, tc := range configured {
		c.add(Template{
			ID:             tc.ID,
			Name:           tc.Name,
			Image:          tc.Image,
			ContainerPorts: tc.ContainerPorts,
			DefaultCPU:     tc.DefaultCPU,
			DefaultMemory:  tc.DefaultMemory,
			MaxGPUs:        tc.MaxGPUs,
		})
	}
	return c
}

func (c *ConfigCatalog) add(tpl Template) {
	if _, exists := c.templates[tpl.ID]; !exists {
		c.order = append(c.order, tpl.ID)
	}
	c.templates[tpl.ID] = tpl
}

func (c *ConfigCatalog) Get(templateID string) (Template, error) {
	tpl, ok := c.templates[templateID]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, templateID)
	}
	return tpl, nil
}

func (c *ConfigCatalog) List() []Template {
	list := make([]Template, 0, len(c.order))
	for _, id := range c.order {
		list = append(list, c.templates[id])
	}
	return list
}
