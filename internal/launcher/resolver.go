// Package launcher picks the transport for a task and fans one request out to many hosts.
package launcher

import (
	"fmt"

	"go_rex/internal/pulltask"
	"go_rex/internal/transport"
)

// Resolver maps each variant to its notifier
type Resolver struct {
	notifiers map[pulltask.Variant]transport.Notifier
}

// NewResolver creates a resolver. broker may be nil when no broker is configured,
// in which case pull-mqtt tasks are refused.
func NewResolver(polling, broker transport.Notifier) *Resolver {
	r := &Resolver{notifiers: map[pulltask.Variant]transport.Notifier{
		pulltask.VariantPull: polling,
	}}
	if broker != nil {
		r.notifiers[pulltask.VariantPullMQTT] = broker
	}
	return r
}

// Resolve returns the notifier of variant
func (r *Resolver) Resolve(variant pulltask.Variant) (transport.Notifier, error) {
	v, err := pulltask.ParseVariant(string(variant))
	if err != nil {
		return nil, err
	}
	n, ok := r.notifiers[v]
	if !ok || n == nil {
		return nil, fmt.Errorf("variant %s is not available: no broker configured", v)
	}
	return n, nil
}

// Variants lists the variants this resolver can serve
func (r *Resolver) Variants() []pulltask.Variant {
	out := []pulltask.Variant{pulltask.VariantPull}
	if _, ok := r.notifiers[pulltask.VariantPullMQTT]; ok {
		out = append(out, pulltask.VariantPullMQTT)
	}
	return out
}
