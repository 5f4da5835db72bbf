package engine

import (
	"github.com/tombee/catalyst/pkg/action/control"
	"github.com/tombee/catalyst/pkg/action/privileged"
	"github.com/tombee/catalyst/pkg/registry"
)

// RegisterBuiltinActions registers the engine's always-available
// control-flow actions (var, return, throw, checkpoint) and its opt-in
// privileged actions (shell, httpRequest) into reg. Embedding
// applications that want to withhold host-touching actions can call
// RegisterControlActions alone instead.
func RegisterBuiltinActions(reg *registry.Registry) error {
	if err := RegisterControlActions(reg); err != nil {
		return err
	}
	return RegisterPrivilegedActions(reg)
}

// RegisterControlActions registers var/return/throw/checkpoint, none of
// which touch the host filesystem, network, or processes.
func RegisterControlActions(reg *registry.Registry) error {
	actions := []*registry.ActionFactoryRecord{
		{Name: "var", PrimaryProperty: "value", Action: control.Var},
		{Name: "return", PrimaryProperty: "outputs", Action: control.Return},
		{Name: "throw", PrimaryProperty: "message", Action: control.Throw},
		{Name: "checkpoint", PrimaryProperty: "message", Action: control.Checkpoint},
	}
	for _, a := range actions {
		if err := reg.RegisterAction(a); err != nil {
			return err
		}
	}
	return nil
}

// RegisterPrivilegedActions registers shell and httpRequest, which do
// touch the host. Embedding applications should only call this when
// their playbooks are from a trusted source.
func RegisterPrivilegedActions(reg *registry.Registry) error {
	actions := []*registry.ActionFactoryRecord{
		{Name: "shell", PrimaryProperty: "command", Action: privileged.Shell},
		{Name: "httpRequest", PrimaryProperty: "url", Action: privileged.HTTPRequest},
	}
	for _, a := range actions {
		if err := reg.RegisterAction(a); err != nil {
			return err
		}
	}
	return nil
}
