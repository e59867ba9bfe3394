// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package plugin

import (
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/holoflow/internal/credentials"
	"github.com/holomush/holoflow/internal/events"
	"github.com/holomush/holoflow/internal/node"
	"github.com/holomush/holoflow/internal/plugin/capability"
	"github.com/holomush/holoflow/internal/registry"
)

// Registrar binds constructors to node types.
type Registrar interface {
	RegisterConstructor(setID, nodeType string, ctor node.Constructor) error
}

// Translator looks up localized messages.
type Translator interface {
	T(ns, key, lang string) string
	DefaultLang() string
}

// API is the capability handle a module's entry point receives. It is the
// only way loaded code can affect the registry, and every registration made
// through it is attributed to one NodeSet.
type API struct {
	setID     string
	module    string
	namespace string
	version   string

	registrar  Registrar
	creds      *credentials.Store
	enforcer   *capability.Enforcer
	emitter    events.Emitter
	translator Translator
	logger     *slog.Logger
}

// NodeSetID returns the id registrations are attributed to.
func (a *API) NodeSetID() string { return a.setID }

// Module returns the name of the module the handle belongs to.
func (a *API) Module() string { return a.module }

// Version returns the runtime version.
func (a *API) Version() string { return a.version }

// RegisterType binds ctor to nodeType and records the type's credential
// definition.
func (a *API) RegisterType(nodeType string, ctor node.Constructor, opts node.Options) error {
	if nodeType == "" {
		return oops.In("plugin").With("node_set", a.setID).Errorf("node type name is empty")
	}
	if ctor == nil {
		return oops.In("plugin").With("node_set", a.setID).With("type", nodeType).Errorf("constructor for %s is nil", nodeType)
	}
	if err := a.registrar.RegisterConstructor(a.setID, nodeType, ctor); err != nil {
		return err
	}
	if a.creds != nil {
		a.creds.Register(nodeType, opts.Credentials)
	}
	return nil
}

// Credentials returns the credentials of a node instance. The module must
// hold the credentials.read capability.
func (a *API) Credentials(nodeID string) (map[string]string, error) {
	if err := a.require(capability.CredentialsRead); err != nil {
		return nil, err
	}
	if a.creds == nil {
		return nil, nil
	}
	values, _ := a.creds.Get(nodeID)
	return values, nil
}

// Log returns the module's logger.
func (a *API) Log() *slog.Logger { return a.logger }

// Events returns an emitter that forwards to the event sink while the module
// holds the events.emit capability.
func (a *API) Events() events.Emitter { return gatedEmitter{a} }

// Emit is Events().Emit with the capability error returned to the caller.
func (a *API) Emit(name string, payload any) error {
	if err := a.require(capability.EventsEmit); err != nil {
		return err
	}
	a.emitter.Emit(name, payload)
	return nil
}

// T translates key in the module's namespace using the default language.
func (a *API) T(key string) string {
	if a.translator == nil {
		return key
	}
	return a.translator.T(a.namespace, key, a.translator.DefaultLang())
}

func (a *API) require(capName string) error {
	if a.enforcer == nil || a.enforcer.Allowed(a.module, capName) {
		return nil
	}
	return oops.In("plugin").Code("CAPABILITY_DENIED").
		With("module", a.module).
		With("capability", capName).
		Errorf("capability denied: %s requires %s", a.module, capName)
}

type gatedEmitter struct{ api *API }

func (g gatedEmitter) Emit(name string, payload any) {
	if err := g.api.Emit(name, payload); err != nil {
		g.api.logger.Warn("event not emitted", "event", name, "error", err)
	}
}

// Deps are the collaborators shared by every capability handle.
type Deps struct {
	Registrar   Registrar
	Credentials *credentials.Store
	Enforcer    *capability.Enforcer
	Emitter     events.Emitter
	Translator  Translator
	Logger      *slog.Logger
	Version     string
}

// NewAPI creates the capability handle for set.
func NewAPI(set *registry.NodeSet, deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.Discard
	}
	namespace := set.Namespace
	if namespace == "" {
		namespace = set.Module
	}
	return &API{
		setID:      set.ID,
		module:     set.Module,
		namespace:  namespace,
		version:    deps.Version,
		registrar:  deps.Registrar,
		creds:      deps.Credentials,
		enforcer:   deps.Enforcer,
		emitter:    emitter,
		translator: deps.Translator,
		logger:     logger.With("module", set.Module, "node_set", set.ID),
	}
}
