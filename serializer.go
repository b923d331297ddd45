package sqsjobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Job is a unit of work carried by one message.
type Job interface {
	Run(ec *ExecutionContext) error
}

// Validator is implemented by jobs that check their parameters once decoded, for
// example that a required field is present. A failing job is never run.
type Validator interface {
	Validate() error
}

// Serializer converts jobs to message bodies and back. Unserialize may return a nil
// job, in which case the message is acknowledged without running anything.
type Serializer interface {
	Serialize(job Job, executeAfter time.Time) (string, error)
	Unserialize(body string) (Job, error)
}

// Registry maps stable job tags to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Job
	tags      map[reflect.Type]string
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func() Job),
		tags:      make(map[reflect.Type]string),
	}
}

// Register associates tag with factory. The factory must return a fresh pointer the
// job parameters can be decoded into.
func (r *Registry) Register(tag string, factory func() Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
	r.tags[reflect.TypeOf(factory())] = tag
}

// RegisterJob registers the job type T under tag.
func RegisterJob[T any, PT interface {
	*T
	Job
}](r *Registry, tag string) {
	r.Register(tag, func() Job { return PT(new(T)) })
}

// TagOf returns the tag the type of job is registered under.
func (r *Registry) TagOf(job Job) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := reflect.TypeOf(job)
	if tag, ok := r.tags[t]; ok {
		return tag, true
	}
	if t != nil && t.Kind() != reflect.Pointer {
		tag, ok := r.tags[reflect.PointerTo(t)]
		return tag, ok
	}
	return "", false
}

func (r *Registry) factory(tag string) (func() Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tag]
	return f, ok
}

func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// envelope is the wire format of a job
type envelope struct {
	Job          string          `json:"job"`
	Params       json.RawMessage `json:"params,omitempty"`
	ExecuteAfter int64           `json:"execute_after,omitempty"`
}

// JSONSerializer stores jobs as a JSON envelope of the job tag and the JSON encoded
// job value.
type JSONSerializer struct {
	registry *Registry
	nowFn    func() time.Time
}

func NewJSONSerializer(registry *Registry) *JSONSerializer {
	return &JSONSerializer{registry: registry, nowFn: time.Now}
}

func (s *JSONSerializer) Serialize(job Job, executeAfter time.Time) (string, error) {
	tag, ok := s.registry.TagOf(job)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrAnonymousJob, job)
	}

	params, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job %q: %w", tag, err)
	}

	env := envelope{Job: tag, Params: params}
	if !executeAfter.IsZero() {
		env.ExecuteAfter = executeAfter.Unix()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(body), nil
}

func (s *JSONSerializer) Unserialize(body string) (Job, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &DeserializationError{Err: err}
	}
	if env.Job == "" {
		return nil, &DeserializationError{Err: errors.New("job tag not set in the envelope")}
	}

	factory, ok := s.registry.factory(env.Job)
	if !ok {
		return nil, &DeserializationError{Tag: env.Job, Err: ErrUnknownJob}
	}

	job := factory()
	if len(env.Params) > 0 && !bytes.Equal(env.Params, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.Params))
		dec.DisallowUnknownFields()
		if err := dec.Decode(job); err != nil {
			return nil, &DeserializationError{Tag: env.Job, Err: err}
		}
	}
	if v, ok := job.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &DeserializationError{Tag: env.Job, Err: err}
		}
	}

	if env.ExecuteAfter > 0 {
		executeAfter := time.Unix(env.ExecuteAfter, 0)
		if executeAfter.After(s.nowFn()) {
			return &Resubmit{Job: job, ExecuteAfter: executeAfter}, nil
		}
	}
	return job, nil
}
