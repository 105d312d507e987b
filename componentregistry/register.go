// Package componentregistry registers the bridge node types.
package componentregistry

import (
	"errors"

	"github.com/c360/keybridge/component"
	pkgerrors "github.com/c360/keybridge/errors"
	putnode "github.com/c360/keybridge/node/put"
	querynode "github.com/c360/keybridge/node/query"
	queryablenode "github.com/c360/keybridge/node/queryable"
	subscribenode "github.com/c360/keybridge/node/subscribe"
)

// Register registers every node type with the provided registry:
//   - put        publishes input messages
//   - query      issues queries and emits the collected replies
//   - queryable  answers queries from the pipeline
//   - subscribe  emits received samples
func Register(registry *component.Registry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	nodes := []struct {
		name     string
		register func(*component.Registry) error
	}{
		{"put", putnode.Register},
		{"query", querynode.Register},
		{"queryable", queryablenode.Register},
		{"subscribe", subscribenode.Register},
	}
	for _, n := range nodes {
		if err := n.register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", n.name+" node registration")
		}
	}
	return nil
}
