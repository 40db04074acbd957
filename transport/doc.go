// Package transport carries the moly protocol over NATS.
//
// Middleboxes and DPI service instances talk to the controller with
// request/reply on fixed subjects under a configurable prefix:
//
//	<prefix>.middlebox.register        MiddleboxRegister
//	<prefix>.middlebox.deregister      MiddleboxDeregister
//	<prefix>.middlebox.rules.add       MiddleboxRulesetAdd
//	<prefix>.middlebox.rules.remove    MiddleboxRulesetRemove
//	<prefix>.instance.register         InstanceRegister
//	<prefix>.instance.deregister       InstanceDeregister
//	<prefix>.instance.exception        InstanceException
//	<prefix>.query.middleboxes         (empty request)
//	<prefix>.query.instances           (empty request)
//	<prefix>.query.needed              NeededInstancesQuery
//
// The controller pushes RuleAdd and RuleRemove to each instance on
// <prefix>.instance.<id>.control. Every message is a JSON object tagged with
// its className.
//
// Server fronts a Controller on the request subjects, Facade implements
// types.InstanceFacade by publishing control messages, and Client is the
// middlebox and instance side of the protocol.
package transport
