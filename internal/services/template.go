package services

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/microcosm-cc/bluemonday"
)

// MessageRenderer renders comment and notification templates against an
// entity snapshot, e.g. "Ticket {{ title }} is now {{ priority }}".
type MessageRenderer struct {
	cache  sync.Map // source -> *pongo2.Template
	strict *bluemonday.Policy
}

func NewMessageRenderer() *MessageRenderer {
	return &MessageRenderer{strict: bluemonday.StrictPolicy()}
}

// Validate compiles a template without rendering it.
func (r *MessageRenderer) Validate(src string) error {
	_, err := r.compile(src)
	return err
}

// Render executes src with the snapshot fields plus entity_type and entity_id.
// Plain text without template tags is returned unchanged.
func (r *MessageRenderer) Render(src string, ref EntityRef, snap Snapshot) (string, error) {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src, nil
	}
	tpl, err := r.compile(src)
	if err != nil {
		return "", err
	}
	ctx := pongo2.Context{
		"entity_type": ref.Type,
		"entity_id":   ref.ID,
	}
	for k := range snap {
		ctx[k] = r.plain(snap.Get(k))
	}
	out, err := tpl.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (r *MessageRenderer) compile(src string) (*pongo2.Template, error) {
	if v, ok := r.cache.Load(src); ok {
		return v.(*pongo2.Template), nil
	}
	// output is plain text for in-app and WhatsApp channels
	tpl, err := pongo2.FromString("{% autoescape off %}" + src + "{% endautoescape %}")
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}

// plain strips markup from user-supplied field values.
func (r *MessageRenderer) plain(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return s
	}
	return html.UnescapeString(r.strict.Sanitize(s))
}
