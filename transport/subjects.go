package transport

// Subject suffixes below the prefix.
const (
	subjectMiddleboxRegister   = "middlebox.register"
	subjectMiddleboxDeregister = "middlebox.deregister"
	subjectRulesAdd            = "middlebox.rules.add"
	subjectRulesRemove         = "middlebox.rules.remove"
	subjectInstanceRegister    = "instance.register"
	subjectInstanceDeregister  = "instance.deregister"
	subjectInstanceException   = "instance.exception"
	subjectQueryMiddleboxes    = "query.middleboxes"
	subjectQueryInstances      = "query.instances"
	subjectQueryNeeded         = "query.needed"
)

// Subject returns prefix.suffix.
func Subject(prefix, suffix string) string {
	return prefix + "." + suffix
}

// ControlSubject returns the subject on which instance id receives rule updates.
func ControlSubject(prefix, instanceID string) string {
	return prefix + ".instance." + instanceID + ".control"
}
