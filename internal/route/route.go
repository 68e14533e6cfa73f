// Package route decides which execution tier and backend resource a task
// runs on. The decision is a pure function of the request shape and balance
// availability: no I/O, no side effects, total over its inputs.
package route

// Tier is the cost/quality class of an execution target.
type Tier string

const (
	TierPaid Tier = "paid"
	TierFree Tier = "free"
)

// WorkerKind selects between incremental token streaming and a single
// structured (parsed JSON) result.
type WorkerKind string

const (
	WorkerStream     WorkerKind = "stream"
	WorkerStructured WorkerKind = "structured"
)

// Hints carries the input-shape signals that influence routing.
type Hints struct {
	// Kind is the task kind from the inbound message ("stream" or "batch").
	Kind string
	// HasAttachment is true when the input carries a non-text modality.
	HasAttachment bool
}

// Target names one backend resource and the admission queue guarding it.
type Target struct {
	ResourceID string `yaml:"resource_id"`
	QueueID    string `yaml:"queue_id"`
}

// Table maps tiers to their targets. Zero-value fields fall back to the
// built-in defaults so Route stays total regardless of configuration.
type Table struct {
	Paid Target `yaml:"paid"`
	Free Target `yaml:"free"`
}

var defaultTable = Table{
	Paid: Target{ResourceID: "gen-large", QueueID: "q-gen-large"},
	Free: Target{ResourceID: "gen-small", QueueID: "q-gen-small"},
}

// Decision is the routing outcome consumed by the concurrency guard (queue
// id for the resource slot) and by the executor (which backend to call).
type Decision struct {
	Tier       Tier
	ResourceID string
	QueueID    string
	WorkerKind WorkerKind
}

// Router holds the tier table. Its Route method is deterministic.
type Router struct {
	table Table
}

// New creates a Router. Empty table entries use the built-in defaults.
func New(table Table) *Router {
	if table.Paid.ResourceID == "" {
		table.Paid = defaultTable.Paid
	}
	if table.Paid.QueueID == "" {
		table.Paid.QueueID = defaultTable.Paid.QueueID
	}
	if table.Free.ResourceID == "" {
		table.Free = defaultTable.Free
	}
	if table.Free.QueueID == "" {
		table.Free.QueueID = defaultTable.Free.QueueID
	}
	return &Router{table: table}
}

// Route maps (template, balance availability, input shape) to a target.
// A caller with available balance gets the paid tier, everyone else the
// free tier. Non-text input and batch tasks go to the structured worker;
// plain text streams tokens incrementally.
func (r *Router) Route(templateID string, hasQuota bool, hints Hints) Decision {
	_ = templateID // reserved for per-template overrides

	target := r.table.Free
	tier := TierFree
	if hasQuota {
		target = r.table.Paid
		tier = TierPaid
	}

	worker := WorkerStream
	if hints.HasAttachment || hints.Kind == "batch" {
		worker = WorkerStructured
	}

	return Decision{
		Tier:       tier,
		ResourceID: target.ResourceID,
		QueueID:    target.QueueID,
		WorkerKind: worker,
	}
}
