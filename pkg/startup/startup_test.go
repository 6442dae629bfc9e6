package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

func (r *recorder) dependency(name string, requires []string, startErrs ...error) *Dependency {
	calls := 0
	return &Dependency{
		Name:     name,
		Requires: requires,
		StartFunc: func(context.Context) error {
			defer func() { calls++ }()
			if calls < len(startErrs) && startErrs[calls] != nil {
				r.events = append(r.events, "fail "+name)
				return startErrs[calls]
			}
			r.events = append(r.events, "start "+name)
			return nil
		},
		StopFunc: func(context.Context) error {
			r.events = append(r.events, "stop "+name)
			return nil
		},
	}
}

func newStartup(maxAttempts int) *Startup {
	s := NewStartup(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}), maxAttempts)
	s.backoffUnit = time.Millisecond
	return s
}

func TestStartup(t *testing.T) {
	t.Run("starts upstream first and stops in reverse", func(t *testing.T) {
		r := &recorder{}
		s := newStartup(1)
		s.AddDependency(r.dependency("http", []string{"linking"}))
		s.AddDependency(r.dependency("linking", []string{"postgres", "redis"}))
		s.AddDependency(r.dependency("postgres", nil))

		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, []string{"start postgres", "start linking", "start http"}, r.events)
		assert.Equal(t, StartupStatusStarted, s.Status("linking"))

		r.events = nil
		require.NoError(t, s.Stop(context.Background()))
		assert.Equal(t, []string{"stop http", "stop linking", "stop postgres"}, r.events)
	})

	t.Run("retries failed dependencies", func(t *testing.T) {
		r := &recorder{}
		s := newStartup(3)
		s.AddDependency(r.dependency("postgres", nil, errors.New("refused"), errors.New("refused")))

		require.NoError(t, s.Start(context.Background()))
		assert.Equal(t, []string{"fail postgres", "fail postgres", "start postgres"}, r.events)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		r := &recorder{}
		s := newStartup(2)
		s.AddDependency(r.dependency("postgres", nil, errors.New("a"), errors.New("b")))

		err := s.Start(context.Background())
		require.Error(t, err)
		assert.Equal(t, StartupStatusFailed, s.Status("postgres"))
	})

	t.Run("detects cycles", func(t *testing.T) {
		r := &recorder{}
		s := newStartup(1)
		s.AddDependency(r.dependency("a", []string{"b"}))
		s.AddDependency(r.dependency("b", []string{"a"}))

		assert.Error(t, s.Start(context.Background()))
	})
}
