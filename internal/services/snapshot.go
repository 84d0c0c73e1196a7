package services

import (
	"fmt"
	"time"

	"deskflow/internal/models"

	"github.com/spf13/cast"
)

// EntityRef identifies a ticket or asset.
type EntityRef struct {
	Type string `json:"entity_type"`
	ID   uint   `json:"entity_id"`
}

func (r EntityRef) String() string { return fmt.Sprintf("%s:%d", r.Type, r.ID) }

// Snapshot is the flat field view of an entity that conditions are evaluated
// against. Values are stringified on read.
type Snapshot map[string]interface{}

// Get returns the stringified field, "" when missing.
func (s Snapshot) Get(field string) string {
	v, ok := s[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case *uint:
		if t == nil {
			return ""
		}
		return cast.ToString(*t)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	return cast.ToString(v)
}

// Clone returns a shallow copy.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s)+2)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Snapshot field names shared with the admin UI condition builder.
const (
	FieldID               = "id"
	FieldStatus           = "status"
	FieldPriority         = "priority"
	FieldAssignedToID     = "assignedToId"
	FieldPreviousStatus   = "previousStatus"
	FieldPreviousPriority = "previousPriority"
	FieldPreviousAssignee = "previousAssignedToId"
)

// TicketSnapshot flattens a ticket for rule evaluation.
func TicketSnapshot(t *models.Ticket) Snapshot {
	return Snapshot{
		FieldID:           t.ID,
		"title":           t.Title,
		"description":     t.Description,
		FieldStatus:       t.Status,
		FieldPriority:     t.Priority,
		"category":        t.Category,
		"location":        t.Location,
		"tags":            t.Tags,
		"requesterId":     t.RequesterID,
		FieldAssignedToID: t.AssignedToID,
		"firstResponseAt": t.FirstResponseAt,
		"createdAt":       t.CreatedAt,
		"ageMinutes":      int(time.Since(t.CreatedAt).Minutes()),
	}
}

// AssetSnapshot flattens an asset for rule evaluation.
func AssetSnapshot(a *models.Asset) Snapshot {
	return Snapshot{
		FieldID:           a.ID,
		"name":            a.Name,
		"assetTag":        a.AssetTag,
		"category":        a.Category,
		FieldStatus:       a.Status,
		"location":        a.Location,
		FieldAssignedToID: a.AssignedToID,
		"createdAt":       a.CreatedAt,
	}
}
