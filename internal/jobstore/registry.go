// Package jobstore keeps the set of outstanding pull jobs per host.
package jobstore

import (
	"iter"
	"slices"
	"sync"
)

// Job identifies one outstanding unit of work for a host.
// Two jobs are equal only when both the execution plan and the action match.
type Job struct {
	ExecutionPlanID string `json:"execution_plan_uuid"`
	ActionID        int    `json:"action_id"`
}

// Registry maps a host identifier to the jobs queued for it.
type Registry struct {
	mu     sync.RWMutex
	queues map[string][]Job
}

// New creates an empty registry
func New() *Registry {
	return &Registry{queues: make(map[string][]Job)}
}

// Register adds job to the host queue. Registering the same job twice keeps one entry.
func (r *Registry) Register(host string, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queues[host]
	if slices.Contains(queue, job) {
		return
	}
	r.queues[host] = append(queue, job)
}

// Unregister removes job from the host queue. Missing jobs are ignored.
func (r *Registry) Unregister(host string, job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.queues[host]
	if !ok {
		return
	}
	idx := slices.Index(queue, job)
	if idx < 0 {
		return
	}
	// Copy instead of shifting in place so snapshots handed out by List stay intact.
	next := make([]Job, 0, len(queue)-1)
	next = append(next, queue[:idx]...)
	next = append(next, queue[idx+1:]...)
	r.queues[host] = next
}

// List returns the jobs queued for host at the time of the call.
// The sequence can be ranged over any number of times and always yields the same snapshot.
func (r *Registry) List(host string) iter.Seq[Job] {
	r.mu.RLock()
	snapshot := r.queues[host]
	r.mu.RUnlock()

	return func(yield func(Job) bool) {
		for _, job := range snapshot {
			if !yield(job) {
				return
			}
		}
	}
}

// Contains reports whether job is queued for host
func (r *Registry) Contains(host string, job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.queues[host], job)
}

// Hosts returns the hosts that currently have at least one job queued, sorted.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hosts := make([]string, 0, len(r.queues))
	for host, queue := range r.queues {
		if len(queue) > 0 {
			hosts = append(hosts, host)
		}
	}
	slices.Sort(hosts)
	return hosts
}
