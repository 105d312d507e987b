// Package component provides the node infrastructure of the pipeline: the
// Discoverable contract every node implements, the factory Registry nodes are
// created from, and the Dependencies handed to each factory.
//
// # Registration
//
// keybridge uses explicit registration rather than init() side effects. Each
// node package exports a Register function and componentregistry.RegisterAll
// calls them in turn:
//
//	func Register(registry *component.Registry) error {
//		return registry.RegisterWithConfig(component.RegistrationConfig{
//			Name:        "query",
//			Factory:     NewQuery,
//			Type:        "bridge",
//			Description: "Issues queries and emits the collected replies",
//			Version:     "1.0.0",
//		})
//	}
//
// # Instances
//
// The flow runtime creates instances by factory name:
//
//	comp, err := registry.CreateComponent("ping", "query", rawConfig, deps)
//
// The raw configuration passes through SafeUnmarshal, which bounds its size,
// depth and string content before decoding and then calls Validate on targets
// implementing Validatable.
//
// # Lifecycle
//
// Nodes that own long-running work (subscribers, queryables) implement
// LifecycleComponent. Initialize performs no I/O; Start receives the context the
// work runs under; Stop waits at most the given timeout. Nodes receive pipeline
// input by implementing Input and send output through the Emitter in their
// Dependencies. StandardLifecycleTests exercises the lifecycle contract for any
// implementation.
package component
