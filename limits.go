package iris

import "github.com/project-iris/iris-go/internal/scheme"

// ServiceLimits bounds inbound broadcast/request handler concurrency
// and in-flight payload memory for a registered service.
type ServiceLimits = scheme.ServiceLimits

// TopicLimits bounds inbound event handler concurrency and in-flight
// payload memory for a single subscription.
type TopicLimits = scheme.TopicLimits

// DefaultServiceLimits returns the documented defaults: 4x CPU count
// worker threads and 64 MiB of in-flight payload memory per pattern.
func DefaultServiceLimits() ServiceLimits { return scheme.DefaultServiceLimits() }

// DefaultTopicLimits returns the documented per-topic defaults.
func DefaultTopicLimits() TopicLimits { return scheme.DefaultTopicLimits() }
