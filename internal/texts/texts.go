package texts

import (
	"sync"

	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/cautionlist/cautionbot/resources"
)

// Package texts maps named message kinds to templates loaded from the
// embedded resources. Rendering is plain text/template substitution; an
// unknown kind renders as its own key so a missing template is visible in
// chat instead of silently dropping a notification.

var state = struct {
	once      sync.Once
	templates map[string]string
}{
	templates: map[string]string{},
}

func load() {
	raw, err := resources.FS.ReadFile("texts/en.yml")
	if err != nil {
		log.WithError(err).Errorln("cant load texts")
		return
	}
	templates := make(map[string]string)
	if err := yaml.Unmarshal(raw, &templates); err != nil {
		log.WithError(err).Errorln("cant unmarshal texts")
		return
	}
	state.templates = templates
}

// Get returns the raw template for a message kind.
func Get(kind string) string {
	state.once.Do(load)
	if tpl, ok := state.templates[kind]; ok {
		return tpl
	}
	log.WithField("kind", kind).Warn("no text template")
	return kind
}

// Render substitutes data into the template for a message kind.
func Render(kind string, data map[string]any) string {
	return tool.ExecTemplate(Get(kind), data)
}
