package enroll

import (
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/conveyor/db"
	"github.com/maxpert/conveyor/filter"
	"github.com/maxpert/conveyor/topic"
)

// Defaults applied by callers that omit a field
const (
	DefaultMaxRetries      = 3
	DefaultIgnoreOlderThan = 3 // days
)

// Request asks for one unit of work
type Request struct {
	SourceTopics []string
	TargetTopic  string
	Sender       string
	UserName     string
	Description  string
	Sequential   bool
	Filter       *filter.Filter

	// MaxRetries is the stream's failed-attempt ceiling, at least 1
	MaxRetries int
	// IgnoreOlderThan excludes sources older than this many days; 0 disables the cutoff
	IgnoreOlderThan int

	// SlothMode slows the claim down for debugging; honored only when allowed by config
	SlothMode bool
}

// Job is a claimed unit of work
type Job struct {
	ID          string    `json:"id"`
	DependsOn   string    `json:"depends_on"`
	Topic       string    `json:"topic"`
	Sender      string    `json:"sender"`
	Description string    `json:"description,omitempty"`
	Status      db.Status `json:"status"`
	Retries     int       `json:"retries"`
	MaxRetries  int       `json:"max_retries"`
	Source      *db.Event `json:"source"`
}

// stream identifies the (sender, target topic) pair retries are accounted against
func (r *Request) stream() string {
	return r.Sender + "\x00" + r.TargetTopic
}

// plan is a validated request with compiled predicates
type plan struct {
	req       Request
	matcher   *topic.Matcher
	candidate exp.Expression
	prior     exp.Expression
	cutoff    int64 // unix nanos, 0 when unbounded
}

func newPlan(req Request, dialect filter.Dialect, now time.Time) (*plan, error) {
	if len(req.SourceTopics) == 0 {
		return nil, fmt.Errorf("%w: source_topic is required", ErrInvalidTopic)
	}

	matcher, err := topic.Compile(req.SourceTopics...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}

	if err := topic.ValidateTarget(req.TargetTopic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTargetTopic, err)
	}

	if strings.TrimSpace(req.Sender) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	}
	if req.MaxRetries < 1 {
		return nil, fmt.Errorf("%w: max_retries must be >= 1, got %d", ErrInvalidRequest, req.MaxRetries)
	}
	if req.IgnoreOlderThan < 0 {
		return nil, fmt.Errorf("%w: ignore_older_than must be >= 0, got %d", ErrInvalidRequest, req.IgnoreOlderThan)
	}

	p := &plan{req: req, matcher: matcher}

	if p.candidate, err = compileFilter(req.Filter, dialect, "e"); err != nil {
		return nil, err
	}
	if req.Sequential {
		if p.prior, err = compileFilter(req.Filter, dialect, "p"); err != nil {
			return nil, err
		}
	}

	if req.IgnoreOlderThan > 0 {
		p.cutoff = now.Add(-time.Duration(req.IgnoreOlderThan) * 24 * time.Hour).UnixNano()
	}

	return p, nil
}

func compileFilter(f *filter.Filter, dialect filter.Dialect, alias string) (exp.Expression, error) {
	e, err := filter.Compile(f, dialect, alias)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return e, nil
}
