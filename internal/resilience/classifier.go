package resilience

// Verdict is the classifier's decision for a failure.
type Verdict int

const (
	// Retryable failures may succeed on a later attempt.
	Retryable Verdict = iota
	// Fatal failures propagate immediately.
	Fatal
)

func (v Verdict) String() string {
	if v == Fatal {
		return "fatal"
	}
	return "retryable"
}

// DefaultFatalKinds lists kinds that retrying can never fix.
var DefaultFatalKinds = []Kind{
	KindValidation,
	KindInvalidArgument,
	KindInvalidType,
	KindConfiguration,
	KindCanceled,
}

// Classifier maps failure kinds to verdicts. Kinds outside the fatal set are
// retryable, so new transient categories need no code change.
type Classifier struct {
	fatal map[Kind]struct{}
}

// NewClassifier returns a classifier whose fatal set is DefaultFatalKinds plus extra.
func NewClassifier(extra ...Kind) *Classifier {
	fatal := make(map[Kind]struct{}, len(DefaultFatalKinds)+len(extra))
	for _, k := range DefaultFatalKinds {
		fatal[k] = struct{}{}
	}
	for _, k := range extra {
		fatal[k] = struct{}{}
	}
	return &Classifier{fatal: fatal}
}

// Classify returns the verdict for err.
func (c *Classifier) Classify(err error) Verdict {
	return c.ClassifyKind(KindOf(err))
}

// ClassifyKind returns the verdict for a kind.
func (c *Classifier) ClassifyKind(kind Kind) Verdict {
	if _, ok := c.fatal[kind]; ok {
		return Fatal
	}
	return Retryable
}

// FatalKinds returns the configured fatal set in no particular order.
func (c *Classifier) FatalKinds() []Kind {
	out := make([]Kind, 0, len(c.fatal))
	for k := range c.fatal {
		out = append(out, k)
	}
	return out
}
