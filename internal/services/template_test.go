package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRenderer_Render(t *testing.T) {
	r := NewMessageRenderer()
	ref := EntityRef{Type: "ticket", ID: 12}
	snap := Snapshot{"title": "VPN down", "priority": "high"}

	out, err := r.Render("Ticket #{{ entity_id }} {{ title }} is {{ priority }}", ref, snap)
	require.NoError(t, err)
	assert.Equal(t, "Ticket #12 VPN down is high", out)

	out, err = r.Render("no tags here", ref, snap)
	require.NoError(t, err)
	assert.Equal(t, "no tags here", out)

	out, err = r.Render("{% if priority == \"high\" %}URGENT: {% endif %}{{ title }}", ref, snap)
	require.NoError(t, err)
	assert.Equal(t, "URGENT: VPN down", out)
}

func TestMessageRenderer_StripsMarkupFromFields(t *testing.T) {
	r := NewMessageRenderer()
	out, err := r.Render("{{ title }}", EntityRef{Type: "ticket", ID: 1}, Snapshot{"title": "<b>R&D</b> printer"})
	require.NoError(t, err)
	assert.Equal(t, "R&D printer", out)
}

func TestMessageRenderer_InvalidTemplate(t *testing.T) {
	r := NewMessageRenderer()
	assert.Error(t, r.Validate("{% if %}"))
	_, err := r.Render("{{ title ", EntityRef{}, Snapshot{})
	assert.Error(t, err)
}
