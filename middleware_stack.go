package sqsjobs

// DeserializationInterceptor wraps turning a message into a job.
type DeserializationInterceptor interface {
	AroundDeserialization(serializer Serializer, msg Message, next func() (Job, error)) (Job, error)
}

// ExecutionInterceptor wraps running a job.
type ExecutionInterceptor interface {
	AroundExecution(job Job, ec *ExecutionContext, next func() error) error
}

// DeserializationFunc adapts a function to DeserializationInterceptor.
type DeserializationFunc func(serializer Serializer, msg Message, next func() (Job, error)) (Job, error)

func (f DeserializationFunc) AroundDeserialization(serializer Serializer, msg Message, next func() (Job, error)) (Job, error) {
	return f(serializer, msg, next)
}

// ExecutionFunc adapts a function to ExecutionInterceptor.
type ExecutionFunc func(job Job, ec *ExecutionContext, next func() error) error

func (f ExecutionFunc) AroundExecution(job Job, ec *ExecutionContext, next func() error) error {
	return f(job, ec, next)
}

// MiddlewareStack is an ordered list of interceptors. The first one added is the
// outermost wrapper. A handler may implement either hook or both; handlers are not
// safe to add while the stack is in use.
type MiddlewareStack struct {
	handlers []any
}

func NewMiddlewareStack(handlers ...any) *MiddlewareStack {
	return &MiddlewareStack{handlers: handlers}
}

// Use appends a handler implementing DeserializationInterceptor, ExecutionInterceptor
// or both.
func (s *MiddlewareStack) Use(handler any) {
	s.handlers = append(s.handlers, handler)
}

func (s *MiddlewareStack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.handlers)
}

func (s *MiddlewareStack) AroundDeserialization(serializer Serializer, msg Message, inner func() (Job, error)) (Job, error) {
	if s.Len() == 0 {
		return inner()
	}

	next := inner
	for i := len(s.handlers) - 1; i >= 0; i-- {
		mw, ok := s.handlers[i].(DeserializationInterceptor)
		if !ok {
			continue
		}
		prev := next
		next = func() (Job, error) {
			return mw.AroundDeserialization(serializer, msg, prev)
		}
	}
	return next()
}

func (s *MiddlewareStack) AroundExecution(job Job, ec *ExecutionContext, inner func() error) error {
	if s.Len() == 0 {
		return inner()
	}

	next := inner
	for i := len(s.handlers) - 1; i >= 0; i-- {
		mw, ok := s.handlers[i].(ExecutionInterceptor)
		if !ok {
			continue
		}
		prev := next
		next = func() error {
			return mw.AroundExecution(job, ec, prev)
		}
	}
	return next()
}
