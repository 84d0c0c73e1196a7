package models

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{}, &Ticket{}, &Asset{}, &Comment{}, &Notification{},
		&WorkflowRule{}, &WorkflowExecution{},
		&AssignmentRule{}, &AssignmentCursor{}, &AssignmentRecord{},
		&SLAPolicy{}, &SLAState{},
	}
}
